// ABOUTME: Confirmation tokens for destructive operations
// ABOUTME: A token binds the action to the history it was issued against

package governance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/nainya/scriptgov/pkg/version"
)

// Confirmation describes what a destructive action will remove
type Confirmation struct {
	Token   string `json:"ConfirmationToken"`
	Latest  int    `json:"LatestVersion"`
	Target  int    `json:"TargetVersion,omitempty"`
	Removes []int  `json:"RemovesVersions"`
}

// token binds an action to guid's current head. The head's timestamp and
// content are part of it, so a history truncated and regrown to the same
// version number yields a different token.
func token(action, guid string, target int, head version.ScriptRecord) string {
	h := sha256.New()
	for _, part := range []string{
		action, guid, strconv.Itoa(target), strconv.Itoa(head.Version),
		strconv.FormatInt(head.CreatedAtUtc.UnixNano(), 10), head.ScriptContent,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

func tokenMatches(got, want string) bool {
	return hmac.Equal([]byte(got), []byte(want))
}
