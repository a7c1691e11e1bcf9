package mqtt

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

func defaultString(main, def string) string {
	if main == "" {
		return def
	}
	return main
}

func keepaliveAndHalf(sec uint16) time.Duration {
	d := time.Duration(sec) * time.Second
	return d + d/2
}

// parseTopicQuery splits `prefix/?$rid=1&k=v` into prefix and decoded query.
// Bad escapes are kept verbatim.
func parseTopicQuery(topic string) (string, map[string]string) {
	i := strings.Index(topic, "?")
	if i < 0 {
		return topic, nil
	}
	q := make(map[string]string)
	for _, kv := range strings.Split(topic[i+1:], "&") {
		if kv == "" {
			continue
		}
		k, v := kv, ""
		if j := strings.IndexByte(kv, '='); j >= 0 {
			k, v = kv[:j], kv[j+1:]
		}
		q[unescape(k)] = unescape(v)
	}
	return topic[:i], q
}

func unescape(s string) string {
	if u, err := url.QueryUnescape(s); err == nil {
		return u
	}
	return s
}

// escapeProp keeps '$' of system property keys readable.
func escapeProp(s string) string { return strings.ReplaceAll(url.QueryEscape(s), "%24", "$") }

// encodeQuery keeps order of keys given, then sorted rest.
func encodeQuery(first []string, kv map[string]string) string {
	var b strings.Builder
	seen := make(map[string]bool, len(kv))
	add := func(k string) {
		v, ok := kv[k]
		if !ok || seen[k] {
			return
		}
		seen[k] = true
		if b.Len() != 0 {
			b.WriteByte('&')
		}
		b.WriteString(escapeProp(k))
		b.WriteByte('=')
		b.WriteString(escapeProp(v))
	}
	for _, k := range first {
		add(k)
	}
	rest := make([]string, 0, len(kv))
	for k := range kv {
		if !seen[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		add(k)
	}
	return b.String()
}
