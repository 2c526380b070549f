// Package identity строит детерминированные client order id из (decision id, role).
//
// Формат совместим с Binance newClientOrderId: ^[.A-Z:/a-z0-9_-]{1,36}$.
// Буквенно-цифровой decision id кладётся как есть: lx_<id>_<role>.
// Всё остальное (спецсимволы, длинные id) хешируется: lxh_<sha256[:24]>_<role>.
// Префиксы различаются, поэтому два вида id не пересекаются.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"liq_engine/internal/models"
)

const (
	plainPrefix  = "lx_"
	hashedPrefix = "lxh_"
	maxLen       = 36
	hashLen      = 24
)

// ClientID: чистая функция: одинаковые входы дают одинаковый id между рестартами.
func ClientID(decisionID string, role models.Role) string {
	plain := plainPrefix + decisionID + "_" + string(role)
	if isAlnum(decisionID) && len(plain) <= maxLen {
		return plain
	}
	sum := sha256.Sum256([]byte(decisionID))
	return hashedPrefix + hex.EncodeToString(sum[:])[:hashLen] + "_" + string(role)
}

// Parse достаёт роль из id, выданного ClientID. ok=false для чужих ордеров.
func Parse(clientID string) (role models.Role, ok bool) {
	if !Owned(clientID) {
		return "", false
	}
	i := strings.LastIndexByte(clientID, '_')
	if i <= 0 || i >= len(clientID)-1 {
		return "", false
	}
	role = models.Role(clientID[i+1:])
	if !role.Valid() {
		return "", false
	}
	return role, true
}

// Owned: id выдан этим ядром.
func Owned(clientID string) bool {
	return strings.HasPrefix(clientID, plainPrefix) || strings.HasPrefix(clientID, hashedPrefix)
}

// OrphanDecisionID: синтетический decision id для позиции, подобранной сверкой.
func OrphanDecisionID(symbol string, side models.Side) string {
	return fmt.Sprintf("rc%s%s", sanitize(symbol), side)
}

func isAlnum(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
