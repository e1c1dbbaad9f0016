package service

import (
	"context"
	"strings"

	"github.com/xiaot623/gogo/relay/internal/domain"
	"github.com/xiaot623/gogo/relay/internal/producer"
)

// SearchPreamble is the system message added when tools contributed context.
const SearchPreamble = "You are a helpful assistant. The user's message ends with search results " +
	"gathered for it. Use them when they are relevant, and say so when they are not."

const (
	searchResultsHeader = "--- Search Results ---"
	searchResultsFooter = "--- End of Search Results ---"
)

// contribution is one tool's final output, in invocation order.
type contribution struct {
	tool    string
	content string
}

// searchBlock renders the delimited block appended to the last user message.
func searchBlock(contribs []contribution) string {
	var sb strings.Builder
	sb.WriteString(searchResultsHeader)
	for _, c := range contribs {
		sb.WriteString("\n\n### ")
		sb.WriteString(c.tool)
		sb.WriteString("\n")
		sb.WriteString(c.content)
	}
	sb.WriteString("\n\n")
	sb.WriteString(searchResultsFooter)
	return sb.String()
}

// buildPrompt assembles the completion messages. History comes from the
// store, or from the caller's prior messages for a session created by this
// request. userTurnID is excluded from stored history since the last user
// message is appended separately.
func (s *Service) buildPrompt(ctx context.Context, session *domain.Session, created bool, req *domain.ChatRequest, userTurnID int64, contribs []contribution) ([]producer.Message, error) {
	var msgs []producer.Message
	if sp := session.SystemPrompt(); sp != "" {
		msgs = append(msgs, producer.Message{Role: string(domain.RoleSystem), Content: sp})
	}
	if len(contribs) > 0 {
		msgs = append(msgs, producer.Message{Role: string(domain.RoleSystem), Content: SearchPreamble})
	}

	if created {
		prior := req.Messages[:len(req.Messages)-1]
		for _, m := range prior {
			if isHistoryRole(m.Role) && m.Content != "" {
				msgs = append(msgs, producer.Message{Role: string(m.Role), Content: m.Content})
			}
		}
	} else {
		turns, err := s.store.ListTurns(ctx, session.ID)
		if err != nil {
			return nil, &domain.PersistenceError{Op: "list turns", Err: err}
		}
		for _, t := range turns {
			if t.ID == userTurnID || !isHistoryRole(t.Role) || t.Content == "" {
				continue
			}
			msgs = append(msgs, producer.Message{Role: string(t.Role), Content: t.Content})
		}
	}

	last := req.LastMessage().Content
	if len(contribs) > 0 {
		last = last + "\n\n" + searchBlock(contribs)
	}
	msgs = append(msgs, producer.Message{Role: string(domain.RoleUser), Content: last})
	return msgs, nil
}

func isHistoryRole(r domain.Role) bool {
	return r == domain.RoleUser || r == domain.RoleAssistant
}
