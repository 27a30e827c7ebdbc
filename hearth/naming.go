package hearth

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

const (
	channelNameMaxLength     = 100
	channelBaseNameMaxLength = 80
	channelNameSeparator     = "・"
	maxRomanPosition         = 3999
)

var (
	channelNamePattern = regexp.MustCompile(`^([IVXLCDM]+)[・·\-\s]+(.+)$`)

	romanNumerals = []struct {
		value  int
		symbol string
	}{
		{1000, "M"},
		{900, "CM"},
		{500, "D"},
		{400, "CD"},
		{100, "C"},
		{90, "XC"},
		{50, "L"},
		{40, "XL"},
		{10, "X"},
		{9, "IX"},
		{5, "V"},
		{4, "IV"},
		{1, "I"},
	}
	romanValues = map[rune]int{
		'I': 1, 'V': 5, 'X': 10, 'L': 50, 'C': 100, 'D': 500, 'M': 1000,
	}
)

func toRoman(n int) string {
	if n <= 0 || n > maxRomanPosition {
		return ""
	}
	var sb strings.Builder
	for _, r := range romanNumerals {
		for n >= r.value {
			sb.WriteString(r.symbol)
			n -= r.value
		}
	}
	return sb.String()
}

// fromRoman parses a numeral, returning 0 if it isn't canonical
func fromRoman(s string) int {
	if s == "" {
		return 0
	}
	total := 0
	prev := 0
	for i := len(s) - 1; i >= 0; i-- {
		v, ok := romanValues[rune(s[i])]
		if !ok {
			return 0
		}
		if v < prev {
			total -= v
		} else {
			total += v
			prev = v
		}
	}
	if toRoman(total) != s {
		return 0
	}
	return total
}

// splitChannelName returns the numeral position and base of a temp
// channel name. Position is 0 if name has no numeral prefix.
func splitChannelName(name string) (int, string) {
	m := channelNamePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, name
	}
	pos := fromRoman(m[1])
	if pos == 0 {
		return 0, name
	}
	return pos, m[2]
}

// buildChannelName joins position and base, truncating the base so the
// full name fits the platform limit
func buildChannelName(position int, base string) string {
	base = strings.TrimSpace(base)
	prefix := toRoman(position)
	if prefix == "" {
		return truncate(base, channelNameMaxLength)
	}
	prefix += channelNameSeparator
	return prefix + truncate(base, channelNameMaxLength-utf8.RuneCountInString(prefix))
}

// nextPosition returns the smallest position not already in use
func nextPosition(used []int) int {
	taken := make(map[int]bool, len(used))
	for _, p := range used {
		taken[p] = true
	}
	for pos := 1; pos <= maxRomanPosition; pos++ {
		if !taken[pos] {
			return pos
		}
	}
	return maxRomanPosition
}

// channelBaseName picks the base name for a member's channel: their
// saved default if they're a booster, otherwise their display name
func channelBaseName(m *discordgo.Member, settings UserSettings, booster bool) string {
	if booster {
		if name := strings.TrimSpace(settings.DefaultName); name != "" {
			return truncate(name, channelBaseNameMaxLength)
		}
	}
	name := strings.TrimSpace(memberDisplayName(m))
	if name == "" {
		name = "Voice"
	}
	return truncate(name, channelBaseNameMaxLength)
}
