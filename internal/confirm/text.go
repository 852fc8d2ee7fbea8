package confirm

import "strings"

// TokenPrefix marks the line of a chat message that carries the token.
// Telegram limits callback data to 64 bytes, so the token rides in the
// message body and buttons only carry the decision.
const TokenPrefix = "凭证："

// AppendToken adds the token line to text.
func AppendToken(text, token string) string {
	return strings.TrimRight(text, "\n") + "\n\n" + TokenPrefix + token
}

// TokenFromText returns the token carried by a message produced by
// AppendToken.
func TokenFromText(text string) (string, bool) {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, TokenPrefix) {
			token := strings.TrimSpace(strings.TrimPrefix(line, TokenPrefix))
			return token, token != ""
		}
	}
	return "", false
}
