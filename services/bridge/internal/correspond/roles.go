package correspond

import (
	"sort"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"gmailbridge/pkg/domain"
	"gmailbridge/pkg/naming"
)

const (
	// PowerTo marks a "to" participant (and the sender).
	PowerTo = 0
	// PowerCc marks a carbon-copy participant.
	PowerCc = -1
)

// Roles maps every participant of m except the owner onto its virtual
// account and power level. A "to" or sender entry wins over a cc entry for
// the same address.
func Roles(codec naming.Codec, owner string, m domain.Mail) map[id.UserID]int {
	powers := make(map[id.UserID]int)
	for _, addr := range m.Cc {
		if !strings.EqualFold(addr, owner) {
			powers[codec.AccountID(addr)] = PowerCc
		}
	}
	for _, addr := range append(append([]string(nil), m.To...), m.Sender) {
		if !strings.EqualFold(addr, owner) {
			powers[codec.AccountID(addr)] = PowerTo
		}
	}
	return powers
}

func sortedAccounts(powers map[id.UserID]int) []id.UserID {
	out := make([]id.UserID, 0, len(powers))
	for user := range powers {
		out = append(out, user)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Recipients rebuilds to/cc from the power levels of the joined virtual
// accounts. Accounts without an explicit level take the room default.
func Recipients(codec naming.Codec, levels *event.PowerLevelsEventContent, members []id.UserID) (to, cc []string) {
	for _, user := range members {
		email, ok := codec.ExtractEmail(user)
		if !ok {
			continue
		}
		switch levels.GetUserLevel(user) {
		case PowerTo:
			to = append(to, email)
		case PowerCc:
			cc = append(cc, email)
		}
	}
	sort.Strings(to)
	sort.Strings(cc)
	return to, cc
}

func appendUnique(list []string, addr string) []string {
	for _, existing := range list {
		if strings.EqualFold(existing, addr) {
			return list
		}
	}
	return append(list, addr)
}
