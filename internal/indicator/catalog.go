package indicator

// Mode restricts which indicators a pipeline may compute (spec §4.1).
type Mode string

const (
	ModeMonk Mode = "monk"
	ModeOmni Mode = "omni"
)

// Canonical indicator names. These are semantic labels, not wire
// identifiers — the same names appear verbatim in emitted indicator maps.
const (
	RSI        = "rsi"
	Stochastic = "stochastic"
	CCI        = "cci"
	ROC        = "roc"
	AwesomeOsc = "awesome_oscillator"

	MACD   = "macd"
	EMA20  = "ema_20"
	EMA50  = "ema_50"
	EMA200 = "ema_200"
	SMA20  = "sma_20"
	SMA50  = "sma_50"
	SMA200 = "sma_200"
	ADX    = "adx"
	PSAR   = "parabolic_sar"

	BollingerMid = "bollinger_middle"
	ATR          = "atr"
	KeltnerMid   = "keltner_middle"
	DonchianMid  = "donchian_middle"

	OBV  = "obv"
	VWAP = "vwap"
	MFI  = "mfi"
	CMF  = "cmf"
	AD   = "ad"

	Supertrend       = "supertrend"
	IchimokuTenkan   = "ichimoku_conversion"
	ZScore20         = "zscore_20"
)

// monkAllowed is the whitelist for mode=monk (spec §4.1).
var monkAllowed = map[string]bool{
	RSI:  true,
	MACD: true,
}

// aliases expands a short-hand name to the set of canonical names it stands
// for, mirroring the teacher's "bb"/"ema" shorthand config entries.
var aliases = map[string][]string{
	"bb":        {BollingerMid},
	"ema":       {EMA20, EMA50, EMA200},
	"sma":       {SMA20, SMA50, SMA200},
	"keltner":   {KeltnerMid},
	"donchian":  {DonchianMid},
	"ichimoku":  {IchimokuTenkan},
	"zscore":    {ZScore20},
	"supertrend": {Supertrend},
}

// ExpandNames resolves aliases into the canonical indicator-name set.
func ExpandNames(requested []string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, name := range requested {
		if expanded, ok := aliases[name]; ok {
			for _, e := range expanded {
				add(e)
			}
			continue
		}
		add(name)
	}
	return out
}

// AllowedInMode reports whether name may be enabled under mode.
func AllowedInMode(mode Mode, name string) bool {
	if mode == ModeMonk {
		return monkAllowed[name]
	}
	return true
}

// lookbackPeriods names the candle window each indicator needs before it
// first produces a non-null value, matching the period constants compute()
// passes to the series* functions in math.go. Used to size a forward
// session's warm-up window (spec §4.6.4).
var lookbackPeriods = map[string]int{
	RSI:            14,
	Stochastic:     14,
	CCI:            20,
	ROC:            10,
	AwesomeOsc:     34,
	MACD:           26,
	EMA20:          20,
	EMA50:          50,
	EMA200:         200,
	SMA20:          20,
	SMA50:          50,
	SMA200:         200,
	ADX:            28,
	PSAR:           2,
	BollingerMid:   20,
	ATR:            14,
	KeltnerMid:     20,
	DonchianMid:    20,
	OBV:            1,
	VWAP:           1,
	MFI:            14,
	CMF:            20,
	AD:             1,
	Supertrend:     10,
	IchimokuTenkan: 9,
	ZScore20:       20,
}

// MaxLookback returns the longest lookback period among names (already
// alias-expanded), or a conservative default when names is empty.
func MaxLookback(names []string) int {
	max := 20
	for _, name := range names {
		if p, ok := lookbackPeriods[name]; ok && p > max {
			max = p
		}
	}
	return max
}
