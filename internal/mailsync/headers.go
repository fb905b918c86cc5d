package mailsync

import (
	"regexp"
	"strings"
)

const (
	headerMessageID = "Message-ID"
	headerInReplyTo = "In-Reply-To"
	// Some clients omit In-Reply-To and carry the reply linkage only in
	// References (the last entry names the direct parent).
	headerReferences = "References"

	labelDraft = "DRAFT"
)

// headerValue looks names up case-insensitively, in order, returning the
// first value found.
func headerValue(headers map[string]string, names ...string) string {
	for _, name := range names {
		for k, v := range headers {
			if strings.EqualFold(k, name) {
				return v
			}
		}
	}
	return ""
}

// replyLinkage extracts the Message-ID header of the message being replied
// to, checking In-Reply-To first and falling back to the last References
// entry. Empty when the message starts a new thread.
func replyLinkage(headers map[string]string) string {
	if v := strings.TrimSpace(headerValue(headers, headerInReplyTo)); v != "" {
		return v
	}
	refs := strings.Fields(headerValue(headers, headerReferences))
	if len(refs) > 0 {
		return refs[len(refs)-1]
	}
	return ""
}

var angleAddrRe = regexp.MustCompile(`<([^>]+)>`)

// extractAddresses pulls bare addresses out of an address header value.
// Display-name forms ("Ada <ada@example.com>") yield the bracketed address;
// otherwise the value is split on commas.
func extractAddresses(headerVal string) []string {
	if headerVal == "" {
		return nil
	}

	matches := angleAddrRe.FindAllStringSubmatch(headerVal, -1)
	if len(matches) > 0 {
		addrs := make([]string, 0, len(matches))
		for _, m := range matches {
			addrs = append(addrs, m[1])
		}
		return addrs
	}

	parts := strings.Split(headerVal, ",")
	addrs := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	return addrs
}

func firstAddress(headerVal string) string {
	addrs := extractAddresses(headerVal)
	if len(addrs) == 0 {
		return ""
	}
	return addrs[0]
}

// isDraft reports whether a change entry is a composed-but-unsent message.
// Drafts must never be treated as inbound replies.
func isDraft(labels []string) bool {
	for _, l := range labels {
		if l == labelDraft {
			return true
		}
	}
	return false
}

// normalize converts a fetched provider message into an InboundMessage.
func normalize(m *ProviderMessage) InboundMessage {
	return InboundMessage{
		ProviderMessageID: m.ID,
		ThreadID:          m.ThreadID,
		MessageIDHeader:   headerValue(m.Headers, headerMessageID),
		From:              firstAddress(headerValue(m.Headers, "From")),
		To:                extractAddresses(headerValue(m.Headers, "To")),
		Cc:                extractAddresses(headerValue(m.Headers, "Cc")),
		Bcc:               extractAddresses(headerValue(m.Headers, "Bcc")),
		Subject:           headerValue(m.Headers, "Subject"),
		Body:              m.Body,
		Labels:            m.Labels,
		InReplyTo:         replyLinkage(m.Headers),
		Timestamp:         m.InternalDate,
	}
}
