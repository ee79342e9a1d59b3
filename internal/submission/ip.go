package submission

import (
	"net/netip"

	"github.com/dharsanguruparan/FormDrop/internal/forms"
)

// NotStored replaces the address when anonymization is "full".
const NotStored = "(Not stored)"

// CaptureIP applies the anonymization mode to a client address. Partial
// mode zeroes the last IPv4 octet and keeps the /48 prefix of IPv6.
func CaptureIP(ip, mode string) string {
	switch mode {
	case forms.AnonymizeFull:
		return NotStored
	case forms.AnonymizePartial:
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return ""
		}
		addr = addr.Unmap()
		bits := 48
		if addr.Is4() {
			bits = 24
		}
		prefix, err := addr.Prefix(bits)
		if err != nil {
			return ""
		}
		return prefix.Addr().String()
	default:
		return ip
	}
}
