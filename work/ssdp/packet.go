package ssdp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"
)

const (
	// MulticastAddr is the IPv4 SSDP group and port.
	MulticastAddr = "239.255.255.250:1900"

	// AllServices is the search target matching every published type.
	AllServices = "ssdp:all"

	// RootDevice is the service type every UPnP root device announces.
	RootDevice = "upnp:rootdevice"

	ntsAlive  = "ssdp:alive"
	ntsByebye = "ssdp:byebye"
	manSearch = `"ssdp:discover"`
)

var (
	// ErrMalformed marks a datagram that is not an SSDP message.
	ErrMalformed = errors.New("ssdp: malformed packet")

	// ErrIncomplete marks a well-formed message missing a required header.
	ErrIncomplete = errors.New("ssdp: incomplete packet")
)

// Kind classifies an inbound datagram.
type Kind int

const (
	KindUnknown Kind = iota
	KindAlive
	KindByebye
	KindSearch
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindAlive:
		return "alive"
	case KindByebye:
		return "byebye"
	case KindSearch:
		return "search"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// Packet is the decoded form of an SSDP datagram. Type holds NT for NOTIFY
// messages and ST for searches and search responses.
type Packet struct {
	Kind     Kind
	Type     string
	USN      string
	UUID     string
	Location string
	Server   string
	MaxAge   time.Duration
	MX       int
}

var bufPool bytebufferpool.Pool

// ParsePacket decodes a datagram. Requests (NOTIFY, M-SEARCH) and responses
// are read with the net/http wire parsers since SSDP is HTTP over UDP.
func ParsePacket(data []byte) (Packet, error) {
	var pkt Packet
	r := bufio.NewReader(bytes.NewReader(data))

	if bytes.HasPrefix(data, []byte("HTTP/")) {
		resp, err := http.ReadResponse(r, nil)
		if err != nil {
			return pkt, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return pkt, fmt.Errorf("%w: status %d", ErrMalformed, resp.StatusCode)
		}
		pkt.Kind = KindResponse
		pkt.Type = resp.Header.Get("St")
		fillCommon(&pkt, resp.Header)
		return pkt, validate(pkt)
	}

	req, err := http.ReadRequest(r)
	if err != nil {
		return pkt, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	req.Body.Close()

	switch strings.ToUpper(req.Method) {
	case "NOTIFY":
		switch req.Header.Get("Nts") {
		case ntsAlive:
			pkt.Kind = KindAlive
		case ntsByebye:
			pkt.Kind = KindByebye
		default:
			return pkt, fmt.Errorf("%w: unsupported NTS %q", ErrMalformed, req.Header.Get("Nts"))
		}
		pkt.Type = req.Header.Get("Nt")
	case "M-SEARCH":
		if req.Header.Get("Man") != manSearch {
			return pkt, fmt.Errorf("%w: MAN %q", ErrMalformed, req.Header.Get("Man"))
		}
		pkt.Kind = KindSearch
		pkt.Type = req.Header.Get("St")
		if mx := req.Header.Get("Mx"); mx != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(mx)); err == nil && n > 0 {
				pkt.MX = n
			}
		}
	default:
		return pkt, fmt.Errorf("%w: method %s", ErrMalformed, req.Method)
	}

	fillCommon(&pkt, req.Header)
	return pkt, validate(pkt)
}

func fillCommon(pkt *Packet, h http.Header) {
	pkt.USN = strings.TrimSpace(h.Get("Usn"))
	pkt.UUID = uuidFromUSN(pkt.USN)
	pkt.Location = strings.TrimSpace(h.Get("Location"))
	pkt.Server = h.Get("Server")
	pkt.MaxAge = parseMaxAge(h.Get("Cache-Control"))
	pkt.Type = strings.TrimSpace(pkt.Type)
}

// validate enforces the headers each kind needs to be applied.
func validate(pkt Packet) error {
	switch pkt.Kind {
	case KindAlive, KindResponse:
		if pkt.Type == "" || pkt.UUID == "" || pkt.Location == "" {
			return ErrIncomplete
		}
	case KindByebye:
		if pkt.Type == "" || pkt.UUID == "" {
			return ErrIncomplete
		}
	case KindSearch:
		if pkt.Type == "" {
			return ErrIncomplete
		}
	}
	return nil
}

// uuidFromUSN returns the part of a USN before "::".
func uuidFromUSN(usn string) string {
	if i := strings.Index(usn, "::"); i >= 0 {
		return usn[:i]
	}
	return usn
}

func parseMaxAge(v string) time.Duration {
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		name, value, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(name), "max-age") {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return 0
}

// USNFor builds the unique service name for a type published by device id.
// The device's own uuid type is announced with a bare USN.
func USNFor(deviceUUID, serviceType string) string {
	udn := "uuid:" + deviceUUID
	if serviceType == udn {
		return udn
	}
	return udn + "::" + serviceType
}

type header struct {
	name, value string
}

func render(startLine string, headers []header) []byte {
	buf := bufPool.Get()
	defer bufPool.Put(buf)

	buf.WriteString(startLine)
	buf.WriteString("\r\n")
	for _, h := range headers {
		buf.WriteString(h.name)
		buf.WriteString(": ")
		buf.WriteString(h.value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")

	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out
}

func maxAgeValue(maxAge time.Duration) string {
	return "max-age=" + strconv.Itoa(int(maxAge/time.Second))
}

// BuildSearch renders an M-SEARCH request.
func BuildSearch(serviceType string, mx int, userAgent string) []byte {
	headers := []header{
		{"HOST", MulticastAddr},
		{"MAN", manSearch},
		{"MX", strconv.Itoa(mx)},
		{"ST", serviceType},
	}
	if userAgent != "" {
		headers = append(headers, header{"USER-AGENT", userAgent})
	}
	return render("M-SEARCH * HTTP/1.1", headers)
}

// BuildAlive renders a NOTIFY ssdp:alive announcement.
func BuildAlive(serviceType, usn, location, server string, maxAge time.Duration) []byte {
	return render("NOTIFY * HTTP/1.1", []header{
		{"HOST", MulticastAddr},
		{"CACHE-CONTROL", maxAgeValue(maxAge)},
		{"LOCATION", location},
		{"NT", serviceType},
		{"NTS", ntsAlive},
		{"SERVER", server},
		{"USN", usn},
	})
}

// BuildByebye renders a NOTIFY ssdp:byebye message.
func BuildByebye(serviceType, usn, server string) []byte {
	return render("NOTIFY * HTTP/1.1", []header{
		{"HOST", MulticastAddr},
		{"NT", serviceType},
		{"NTS", ntsByebye},
		{"SERVER", server},
		{"USN", usn},
	})
}

// BuildResponse renders the unicast answer to an M-SEARCH.
func BuildResponse(serviceType, usn, location, server string, maxAge time.Duration, date time.Time) []byte {
	return render("HTTP/1.1 200 OK", []header{
		{"CACHE-CONTROL", maxAgeValue(maxAge)},
		{"DATE", date.UTC().Format(http.TimeFormat)},
		{"EXT", ""},
		{"LOCATION", location},
		{"SERVER", server},
		{"ST", serviceType},
		{"USN", usn},
	})
}
