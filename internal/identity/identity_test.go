package identity

import (
	"regexp"
	"testing"
	"time"

	"liq_engine/internal/models"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var binanceClientID = regexp.MustCompile(`^[.A-Z:/a-z0-9_-]{1,36}$`)

func TestClientID_Plain(t *testing.T) {
	assert.Equal(t, "lx_1842_entry", ClientID("1842", models.RoleEntry))
	assert.Equal(t, "lx_1842_sl", ClientID("1842", models.RoleSL))
	assert.Equal(t, "lx_1842_tp1", ClientID("1842", models.RoleTP1))
}

func TestClientID_HashedForUnsafeOrLongIDs(t *testing.T) {
	id := ClientID("2024-01-05T10:00:00Z/btc", models.RoleSL)
	assert.Regexp(t, `^lxh_[0-9a-f]{24}_sl$`, id)

	long := ClientID("abcdefghijklmnopqrstuvwxyz0123456789", models.RoleTP2)
	assert.Regexp(t, `^lxh_[0-9a-f]{24}_tp2$`, long)
}

func TestParse(t *testing.T) {
	for _, role := range models.Roles {
		r, ok := Parse(ClientID("77", role))
		require.True(t, ok)
		assert.Equal(t, role, r)

		r, ok = Parse(ClientID("weird id:77", role))
		require.True(t, ok)
		assert.Equal(t, role, r)
	}

	_, ok := Parse("web_123456")
	assert.False(t, ok)
	_, ok = Parse("lx_77_close")
	assert.False(t, ok)

	assert.True(t, Owned("lx_77_close"))
	assert.True(t, Owned(ClientID("weird id:77", models.RoleSL)))
	assert.False(t, Owned("web_123456"))
}

func TestOrphanDecisionID(t *testing.T) {
	assert.Equal(t, "rcBTCUSDTlong", OrphanDecisionID("BTCUSDT", models.SideLong))
	assert.Equal(t, "lx_rcBTCUSDTshort_sl", ClientID(OrphanDecisionID("BTC-USDT", models.SideShort), models.RoleSL))
}

func TestProperty_ClientIDDeterministicAndCollisionFree(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	roleGen := gen.OneConstOf(models.RoleEntry, models.RoleSL, models.RoleTP1, models.RoleTP2)

	properties.Property("same inputs give the same valid id", prop.ForAll(
		func(decisionID string, role models.Role) bool {
			a := ClientID(decisionID, role)
			b := ClientID(decisionID, role)
			return a == b && binanceClientID.MatchString(a)
		},
		gen.AnyString(),
		roleGen,
	))

	properties.Property("different inputs give different ids", prop.ForAll(
		func(a, b string, ra, rb models.Role) bool {
			if a == b && ra == rb {
				return true
			}
			return ClientID(a, ra) != ClientID(b, rb)
		},
		gen.OneGenOf(gen.Identifier(), gen.AnyString(), gen.NumString()),
		gen.OneGenOf(gen.Identifier(), gen.AnyString(), gen.NumString()),
		roleGen,
		roleGen,
	))

	properties.TestingRun(t)
}
