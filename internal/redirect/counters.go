package redirect

import "regexp"

// CounterType is a named tracking pixel or script signature.
type CounterType struct {
	Name     string
	Patterns []*regexp.Regexp
}

// Counters is the fixed, ordered counter catalog.
var Counters = []CounterType{
	counter("GOOGLE_ANALYTICS", `google-analytics\.com/ga\.js`),
	counter("YA_METRICA", `mc\.yandex\.ru/metrika/watch\.js`),
	counter("TOP_MAIL_RU", `top-fwz1\.mail\.ru/counter`, `top\.mail\.ru/jump\?from`),
	counter("DOUBLECLICK", `//googleads\.g\.doubleclick\.net/pagead/viewthroughconversion`),
	counter("VK_COM", `vk\.com/rtrg`),
	counter("FACEBOOK", `fbds\.js`),
	counter("ADFOX", `ads\.adfox\.ru/`),
	counter("LI_RU", `counter\.yadro\.ru/hit`),
}

func counter(name string, patterns ...string) CounterType {
	ct := CounterType{Name: name}
	for _, p := range patterns {
		ct.Patterns = append(ct.Patterns, regexp.MustCompile(`(?i)`+p))
	}
	return ct
}

// DetectCounters returns the names of catalog entries found in body, in
// catalog order.
func DetectCounters(body string) []string {
	var found []string
	for _, ct := range Counters {
		if matchAny(ct.Patterns, body) {
			found = append(found, ct.Name)
		}
	}
	return found
}
