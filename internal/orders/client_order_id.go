package orders

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Client order ids carry botId, botClientOrderId and the per-bot counter
// joined by underscores. The leading segment is the authoritative owner.
var clientOrderIDPattern = regexp.MustCompile(`^(\d+)_(\d+)_(\d+)$`)

// ClientOrderID is the decoded form of an order tag.
type ClientOrderID struct {
	BotID            int64
	BotClientOrderID int64
	Counter          int64
}

// String re-encodes the tag.
func (c ClientOrderID) String() string {
	return FormatClientOrderID(c.BotID, c.BotClientOrderID, c.Counter)
}

// FormatClientOrderID encodes the three-part order tag.
func FormatClientOrderID(botID, botClientOrderID, counter int64) string {
	return fmt.Sprintf("%d_%d_%d", botID, botClientOrderID, counter)
}

// ParseClientOrderID decodes an order tag. The second return value is false
// when the string is not one of ours.
func ParseClientOrderID(s string) (ClientOrderID, bool) {
	m := clientOrderIDPattern.FindStringSubmatch(s)
	if m == nil {
		return ClientOrderID{}, false
	}
	botID, err1 := strconv.ParseInt(m[1], 10, 64)
	bcoid, err2 := strconv.ParseInt(m[2], 10, 64)
	counter, err3 := strconv.ParseInt(m[3], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return ClientOrderID{}, false
	}
	return ClientOrderID{BotID: botID, BotClientOrderID: bcoid, Counter: counter}, true
}

// BelongsToBot reports whether the tag was produced by the given bot.
func BelongsToBot(clientOrderID string, botID, botClientOrderID int64) bool {
	prefix := fmt.Sprintf("%d_%d_", botID, botClientOrderID)
	if !strings.HasPrefix(clientOrderID, prefix) {
		return false
	}
	_, ok := ParseClientOrderID(clientOrderID)
	return ok
}
