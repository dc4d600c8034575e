package content

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"
)

const didlHeader = `<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/"` +
	` xmlns:dc="http://purl.org/dc/elements/1.1/"` +
	` xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/"` +
	` xmlns:dlna="urn:schemas-dlna-org:metadata-1-0/">`

var didlPool bytebufferpool.Pool

// filter is the set of optional properties a client asked for. nil means
// everything.
type filter map[string]bool

func parseFilter(s string) filter {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return nil
	}
	f := filter{}
	for _, name := range strings.Split(s, ",") {
		f[strings.TrimSpace(name)] = true
	}
	return f
}

func (f filter) has(name string) bool {
	return f == nil || f[name]
}

// FormatDuration renders a duration as h:mm:ss.mmm.
func FormatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	return fmt.Sprintf("%d:%02d:%02d.%03d", ms/3600000, ms/60000%60, ms/1000%60, ms%1000)
}

// RenderDIDL renders items as a DIDL-Lite document. filter is the Browse
// filter argument; required properties are always present.
func RenderDIDL(items []Item, filterArg string) ([]byte, error) {
	f := parseFilter(filterArg)

	buf := didlPool.Get()
	defer didlPool.Put(buf)

	buf.WriteString(didlHeader)
	for _, it := range items {
		if err := writeItem(buf, it, f); err != nil {
			return nil, err
		}
	}
	buf.WriteString(`</DIDL-Lite>`)

	return append([]byte(nil), buf.B...), nil
}

func writeItem(buf *bytebufferpool.ByteBuffer, it Item, f filter) error {
	tag := "item"
	if it.Container {
		tag = "container"
	}

	buf.WriteString("<" + tag)
	attr(buf, "id", it.ID)
	attr(buf, "parentID", it.ParentID)
	attr(buf, "restricted", "1")
	if it.Container {
		attr(buf, "searchable", "1")
	}
	buf.WriteString(">")

	text(buf, "dc:title", it.Title)
	text(buf, "upnp:class", it.Class)
	if it.Artist != "" && f.has("upnp:artist") {
		text(buf, "upnp:artist", it.Artist)
	}
	if it.Artist != "" && f.has("dc:creator") {
		text(buf, "dc:creator", it.Artist)
	}
	if it.Album != "" && f.has("upnp:album") {
		text(buf, "upnp:album", it.Album)
	}
	if it.Track > 0 && f.has("upnp:originalTrackNumber") {
		text(buf, "upnp:originalTrackNumber", strconv.Itoa(it.Track))
	}
	if !it.Date.IsZero() && f.has("dc:date") {
		text(buf, "dc:date", it.Date.Format("2006-01-02"))
	}

	for _, r := range it.Resources {
		buf.WriteString("<res")
		attr(buf, "protocolInfo", r.ProtocolInfo)
		if r.Duration > 0 && f.has("res@duration") {
			attr(buf, "duration", FormatDuration(r.Duration))
		}
		if r.Resolution != "" && f.has("res@resolution") {
			attr(buf, "resolution", r.Resolution)
		}
		if r.SampleFrequency > 0 && f.has("res@sampleFrequency") {
			attr(buf, "sampleFrequency", strconv.Itoa(r.SampleFrequency))
		}
		if r.AudioChannels > 0 && f.has("res@nrAudioChannels") {
			attr(buf, "nrAudioChannels", strconv.Itoa(r.AudioChannels))
		}
		if r.Size > 0 && f.has("res@size") {
			attr(buf, "size", strconv.FormatInt(r.Size, 10))
		}
		buf.WriteString(">")
		if err := xml.EscapeText(buf, []byte(r.URL)); err != nil {
			return err
		}
		buf.WriteString("</res>")
	}

	buf.WriteString("</" + tag + ">")
	return nil
}

func attr(buf *bytebufferpool.ByteBuffer, name, value string) {
	buf.WriteString(" " + name + `="`)
	xml.EscapeText(buf, []byte(value))
	buf.WriteString(`"`)
}

func text(buf *bytebufferpool.ByteBuffer, name, value string) {
	buf.WriteString("<" + name + ">")
	xml.EscapeText(buf, []byte(value))
	buf.WriteString("</" + name + ">")
}
