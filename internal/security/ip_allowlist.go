package security

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"
)

// Allowlist is a set of client networks. The zero value admits everyone.
type Allowlist struct {
	prefixes []netip.Prefix
}

// ParseAllowlist accepts CIDRs and bare addresses; a bare address admits that
// host only. Blank entries are skipped.
func ParseAllowlist(entries []string) (Allowlist, error) {
	var al Allowlist
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return Allowlist{}, fmt.Errorf("invalid allowlist entry %q: %w", e, err)
			}
			al.prefixes = append(al.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(e)
		if err != nil {
			return Allowlist{}, fmt.Errorf("invalid allowlist entry %q: %w", e, err)
		}
		addr = addr.Unmap()
		al.prefixes = append(al.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return al, nil
}

// Empty reports whether the list admits everyone.
func (al Allowlist) Empty() bool { return len(al.prefixes) == 0 }

// Contains reports whether addr is inside one of the networks.
func (al Allowlist) Contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range al.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IPAllowlist admits only clients whose remote address is in al.
func IPAllowlist(al Allowlist) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if al.Empty() {
				next.ServeHTTP(w, r)
				return
			}
			ap, err := netip.ParseAddrPort(r.RemoteAddr)
			if err != nil || !al.Contains(ap.Addr()) {
				WriteJSONError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
