/*
settings.go - Typed settlement configuration

PURPOSE:
  Converts the string-keyed settings map supplied by the configuration
  collaborator into Settings. Only the enumerated keys below are accepted;
  anything else is an error, so a typo never silently falls back to a
  default.

KNOWN KEYS:
  referralReward           decimal, default 0.10
  referralLinksRequired    int,     default 3
  minWithdrawal            decimal, default 1.00
  supportedCoins           comma-separated, default BTC,ETH,DOGE,LTC,USDT,TRX
  revenueSplitRatio        decimal in (0, 1], default 0.5
  network.<name>.enabled   bool,    default false
  network.<name>.secret    string,  required when enabled

  <name> is one of KnownNetworks.

USAGE:
  settings, err := settlement.ParseSettings(map[string]string{
      "referralReward":         "0.25",
      "network.cpagrip.enabled": "true",
      "network.cpagrip.secret":  "s3cret",
  })

SEE ALSO:
  - config/config.go: Builds the map from env
*/
package settlement

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	KeyReferralReward        = "referralReward"
	KeyReferralLinksRequired = "referralLinksRequired"
	KeyMinWithdrawal         = "minWithdrawal"
	KeySupportedCoins        = "supportedCoins"
	KeyRevenueSplitRatio     = "revenueSplitRatio"
)

const (
	NetworkCPAGrip     = "cpagrip"
	NetworkAdBlueMedia = "adbluemedia"
)

// KnownNetworks lists the offerwalls that have postback endpoints.
var KnownNetworks = []string{NetworkCPAGrip, NetworkAdBlueMedia}

// NetworkKey returns the settings key for a per-network field.
func NetworkKey(network, field string) string {
	return "network." + network + "." + field
}

// NetworkSettings is the per-offerwall switch and shared postback secret.
type NetworkSettings struct {
	Enabled bool
	Secret  string
}

// Settings are the read-only constants settlement runs against.
type Settings struct {
	ReferralReward        decimal.Decimal
	ReferralLinksRequired int
	MinWithdrawal         decimal.Decimal
	SupportedCoins        []string
	RevenueSplitRatio     decimal.Decimal
	Networks              map[string]NetworkSettings
}

// DefaultSettings returns the defaults for every known key.
func DefaultSettings() Settings {
	networks := make(map[string]NetworkSettings, len(KnownNetworks))
	for _, n := range KnownNetworks {
		networks[n] = NetworkSettings{}
	}
	return Settings{
		ReferralReward:        decimal.RequireFromString("0.10"),
		ReferralLinksRequired: 3,
		MinWithdrawal:         decimal.RequireFromString("1.00"),
		SupportedCoins:        []string{"BTC", "ETH", "DOGE", "LTC", "USDT", "TRX"},
		RevenueSplitRatio:     decimal.RequireFromString("0.5"),
		Networks:              networks,
	}
}

// ParseSettings applies values over DefaultSettings and validates the result.
func ParseSettings(values map[string]string) (Settings, error) {
	s := DefaultSettings()

	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := strings.TrimSpace(values[key])
		if err := s.set(key, raw); err != nil {
			return Settings{}, err
		}
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s *Settings) set(key, raw string) error {
	switch key {
	case KeyReferralReward:
		return parseDecimal(key, raw, &s.ReferralReward)
	case KeyMinWithdrawal:
		return parseDecimal(key, raw, &s.MinWithdrawal)
	case KeyRevenueSplitRatio:
		return parseDecimal(key, raw, &s.RevenueSplitRatio)
	case KeyReferralLinksRequired:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("setting %s: %q is not an integer", key, raw)
		}
		s.ReferralLinksRequired = n
		return nil
	case KeySupportedCoins:
		s.SupportedCoins = parseCoins(raw)
		return nil
	}

	network, field, ok := splitNetworkKey(key)
	if !ok {
		return fmt.Errorf("unknown setting %q", key)
	}
	ns := s.Networks[network]
	switch field {
	case "enabled":
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("setting %s: %q is not a boolean", key, raw)
		}
		ns.Enabled = b
	case "secret":
		ns.Secret = raw
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	s.Networks[network] = ns
	return nil
}

// Validate checks ranges and cross-field rules.
func (s Settings) Validate() error {
	if !s.ReferralReward.IsPositive() {
		return fmt.Errorf("setting %s must be positive", KeyReferralReward)
	}
	if s.ReferralLinksRequired < 1 {
		return fmt.Errorf("setting %s must be at least 1", KeyReferralLinksRequired)
	}
	if !s.MinWithdrawal.IsPositive() {
		return fmt.Errorf("setting %s must be positive", KeyMinWithdrawal)
	}
	if len(s.SupportedCoins) == 0 {
		return fmt.Errorf("setting %s must list at least one coin", KeySupportedCoins)
	}
	if !s.RevenueSplitRatio.IsPositive() || s.RevenueSplitRatio.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("setting %s must be in (0, 1]", KeyRevenueSplitRatio)
	}
	for name, ns := range s.Networks {
		if ns.Enabled && ns.Secret == "" {
			return fmt.Errorf("setting %s is required when the network is enabled", NetworkKey(name, "secret"))
		}
	}
	return nil
}

// SupportsCoin reports whether coin is in the configured set. Matching is
// case-insensitive.
func (s Settings) SupportsCoin(coin string) bool {
	coin = strings.ToUpper(strings.TrimSpace(coin))
	for _, c := range s.SupportedCoins {
		if c == coin {
			return true
		}
	}
	return false
}

// Network returns the settings for a known network.
func (s Settings) Network(name string) (NetworkSettings, bool) {
	ns, ok := s.Networks[name]
	return ns, ok
}

func parseDecimal(key, raw string, dst *decimal.Decimal) error {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("setting %s: %q is not a decimal", key, raw)
	}
	*dst = d
	return nil
}

func parseCoins(raw string) []string {
	var coins []string
	seen := make(map[string]bool)
	for _, c := range strings.Split(raw, ",") {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		coins = append(coins, c)
	}
	return coins
}

func splitNetworkKey(key string) (network, field string, ok bool) {
	parts := strings.Split(key, ".")
	if len(parts) != 3 || parts[0] != "network" {
		return "", "", false
	}
	for _, n := range KnownNetworks {
		if parts[1] == n {
			return n, parts[2], true
		}
	}
	return "", "", false
}
