package applet

import (
	"github.com/courierchat/courier/internal/chat"
	"gorm.io/gorm"
)

// projectionContext describes how one accepted update was delivered.
type projectionContext struct {
	// selfOrigin is true when the update was authored by this account,
	// locally or as a self-copy from another of its devices.
	selfOrigin bool
	// live is false while the applet is still a draft: the update is
	// stored and queued, but no notice pollutes the timeline.
	live bool
	// author is the chat-visible author of any projected notice.
	author string
}

// projectionResult reports the externally visible side effects of one
// projection, published as events after the transaction commits.
type projectionResult struct {
	MetadataChanged bool
	NoticeMessageID string
	NotifyMatched   bool
	NotifyText      string
}

// project applies the side effects of an accepted update inside the caller's
// transaction: per-field last-write-wins metadata updates, the chat notice,
// and notify resolution. Field mutations and the conversation-list refresh
// land in the same transaction as the record insert.
func (s *Service) project(tx *gorm.DB, instance *Applet, item UpdateItem, timestampS int64, pctx projectionContext) (projectionResult, error) {
	var result projectionResult

	changed, err := s.projectFields(tx, instance, item, timestampS)
	if err != nil {
		return projectionResult{}, err
	}
	result.MetadataChanged = changed

	if item.Info != "" && pctx.live {
		noticeID, noticeErr := s.projectNotice(tx, instance, item, timestampS, pctx.author)
		if noticeErr != nil {
			return projectionResult{}, noticeErr
		}
		result.NoticeMessageID = noticeID
	}

	if !pctx.selfOrigin {
		selfAddress := s.owner.StatusAddress(instance.ThreadID)
		if text, ok := item.resolveNotify(selfAddress); ok {
			result.NotifyMatched = true
			result.NotifyText = text
		}
	}

	return result, nil
}

// projectFields applies document and summary changes under independent
// per-field timestamp guards: a field is overwritten only when the incoming
// timestamp is not older than the one recorded for that specific field.
func (s *Service) projectFields(tx *gorm.DB, instance *Applet, item UpdateItem, timestampS int64) (bool, error) {
	updates := map[string]any{}

	if item.Document != "" && timestampS >= instance.DocumentSetAtS {
		instance.DocumentName = item.Document
		instance.DocumentSetAtS = timestampS
		updates["document_name"] = item.Document
		updates["document_set_at_s"] = timestampS
	}
	if item.Summary != "" && timestampS >= instance.SummarySetAtS {
		instance.Summary = item.Summary
		instance.SummarySetAtS = timestampS
		updates["summary"] = item.Summary
		updates["summary_set_at_s"] = timestampS
	}
	if len(updates) == 0 {
		return false, nil
	}

	if err := tx.Model(&Applet{}).
		Where(queryByAppletID, instance.AppletID).
		Updates(updates).Error; err != nil {
		return false, err
	}
	// Same transaction as the metadata change, so the conversation list
	// refresh is observable together with it.
	if err := s.chats.Touch(tx, instance.ChatID, timestampS); err != nil {
		return false, err
	}
	return true, nil
}

// projectNotice synthesizes or extends the chat-visible notice for an
// info-bearing update. Consecutive notices for the same applet and author
// collapse into one edited message as long as nothing else was inserted into
// the chat in between; any intervening entry breaks the chain.
func (s *Service) projectNotice(tx *gorm.DB, instance *Applet, item UpdateItem, timestampS int64, author string) (string, error) {
	last, err := s.chats.LastMessage(tx, instance.ChatID)
	if err != nil {
		return "", err
	}
	if last != nil && last.IsNotice && last.NoticeAppletID == instance.AppletID && last.Author == author {
		if err := s.chats.EditText(tx, last.MessageID, item.Info, item.Href, timestampS); err != nil {
			return "", err
		}
		return last.MessageID, nil
	}

	messageID, err := s.ids.NewID()
	if err != nil {
		return "", err
	}
	notice := chat.Message{
		MessageID:       messageID,
		ChatID:          instance.ChatID,
		Author:          author,
		Text:            item.Info,
		Href:            item.Href,
		IsNotice:        true,
		NoticeAppletID:  instance.AppletID,
		SortTimestampS:  timestampS,
		CreatedAtSecond: s.clock().UTC().Unix(),
	}
	if err := s.chats.Append(tx, notice); err != nil {
		return "", err
	}
	return messageID, nil
}
