package xid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

// OrderNumber builds a client-side order number that sorts by time and stays
// unique across terminals: ORD-<terminal>-<yyyymmddhhmmss>-<random>.
func OrderNumber(terminalID string, at time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	terminal := strings.ToUpper(strings.TrimSpace(terminalID))
	if terminal == "" {
		terminal = "T0"
	}
	return fmt.Sprintf("ORD-%s-%s-%s", terminal, at.UTC().Format("20060102150405"), suffix)
}
