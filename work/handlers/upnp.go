package handlers

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/valyala/bytebufferpool"

	"lanmedia/work/catalog"
	"lanmedia/work/content"
)

const (
	// DeviceType is the UPnP device type of the server.
	DeviceType = "urn:schemas-upnp-org:device:MediaServer:1"

	// ContentDirectoryType is the ContentDirectory service type.
	ContentDirectoryType = "urn:schemas-upnp-org:service:ContentDirectory:1"

	// ConnectionManagerType is the ConnectionManager service type.
	ConnectionManagerType = "urn:schemas-upnp-org:service:ConnectionManager:1"

	// DescriptionPath is the LOCATION announced for every service type.
	DescriptionPath = "/description.xml"

	soapEnvelopeNS = "http://schemas.xmlsoap.org/soap/envelope/"
	soapEncoding   = "http://schemas.xmlsoap.org/soap/encoding/"
	maxSOAPBody    = 64 * 1024
)

var soapPool bytebufferpool.Pool

func (s *Server) handleDescription(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?>
<root xmlns="urn:schemas-upnp-org:device-1-0" xmlns:dlna="urn:schemas-dlna-org:device-1-0">
<specVersion><major>1</major><minor>0</minor></specVersion>
<device>
<deviceType>%s</deviceType>
<friendlyName>%s</friendlyName>
<manufacturer>lanmedia</manufacturer>
<modelName>lanmedia</modelName>
<modelNumber>1</modelNumber>
<UDN>uuid:%s</UDN>
<dlna:X_DLNADOC>DMS-1.50</dlna:X_DLNADOC>
<serviceList>
<service>
<serviceType>%s</serviceType>
<serviceId>urn:upnp-org:serviceId:ContentDirectory</serviceId>
<SCPDURL>/upnp/contentdirectory.xml</SCPDURL>
<controlURL>/upnp/control/contentdirectory</controlURL>
<eventSubURL>/upnp/event/contentdirectory</eventSubURL>
</service>
<service>
<serviceType>%s</serviceType>
<serviceId>urn:upnp-org:serviceId:ConnectionManager</serviceId>
<SCPDURL>/upnp/connectionmanager.xml</SCPDURL>
<controlURL>/upnp/control/connectionmanager</controlURL>
<eventSubURL>/upnp/event/connectionmanager</eventSubURL>
</service>
</serviceList>
</device>
</root>
`, DeviceType, escape(s.opts.FriendlyName), s.opts.DeviceUUID, ContentDirectoryType, ConnectionManagerType)
}

func (s *Server) handleSCPD(doc string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
		io.WriteString(w, doc)
	}
}

// soapRequest is a decoded control request: the action name and its
// arguments by name.
type soapRequest struct {
	Action string
	Args   map[string]string
}

func (r soapRequest) index(name string) (int, error) {
	v := strings.TrimSpace(r.Args[name])
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s=%q", content.ErrInvalidArgs, name, v)
	}
	return n, nil
}

func parseSOAP(r *http.Request) (soapRequest, error) {
	var env struct {
		Body struct {
			Action struct {
				XMLName xml.Name
				Args    []struct {
					XMLName xml.Name
					Value   string `xml:",chardata"`
				} `xml:",any"`
			} `xml:",any"`
		} `xml:"Body"`
	}
	if err := xml.NewDecoder(io.LimitReader(r.Body, maxSOAPBody)).Decode(&env); err != nil {
		return soapRequest{}, fmt.Errorf("%w: %v", content.ErrInvalidArgs, err)
	}

	req := soapRequest{Action: env.Body.Action.XMLName.Local, Args: make(map[string]string)}
	for _, a := range env.Body.Action.Args {
		req.Args[a.XMLName.Local] = a.Value
	}

	// the SOAPACTION header names the action when the body is ambiguous
	if req.Action == "" {
		header := strings.Trim(r.Header.Get("SOAPACTION"), `"`)
		if i := strings.LastIndexByte(header, '#'); i >= 0 {
			req.Action = header[i+1:]
		}
	}
	if req.Action == "" {
		return soapRequest{}, fmt.Errorf("%w: no action", content.ErrInvalidArgs)
	}
	return req, nil
}

type soapArg struct {
	name, value string
}

func writeSOAP(w http.ResponseWriter, serviceType, action string, args ...soapArg) {
	buf := soapPool.Get()
	defer soapPool.Put(buf)

	buf.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	buf.WriteString(`<s:Envelope xmlns:s="` + soapEnvelopeNS + `" s:encodingStyle="` + soapEncoding + `"><s:Body>`)
	buf.WriteString(`<u:` + action + `Response xmlns:u="` + serviceType + `">`)
	for _, a := range args {
		buf.WriteString("<" + a.name + ">")
		xml.EscapeText(buf, []byte(a.value))
		buf.WriteString("</" + a.name + ">")
	}
	buf.WriteString(`</u:` + action + `Response></s:Body></s:Envelope>`)

	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.Header().Set("EXT", "")
	w.Write(buf.B)
}

// UPnP error codes used by the control handlers.
const (
	upnpInvalidAction   = 401
	upnpInvalidArgs     = 402
	upnpActionFailed    = 501
	upnpNoSuchObject    = 701
	upnpBadSearch       = 708
	upnpBadSort         = 709
	upnpNoSuchContainer = 710
)

func upnpCode(err error) int {
	switch {
	case errors.Is(err, content.ErrInvalidCriteria):
		return upnpBadSearch
	case errors.Is(err, catalog.ErrNotFound):
		return upnpNoSuchObject
	case errors.Is(err, content.ErrInvalidSort):
		return upnpBadSort
	case errors.Is(err, content.ErrInvalidArgs):
		return upnpInvalidArgs
	}
	return upnpActionFailed
}

func (s *Server) writeFault(w http.ResponseWriter, code int, err error) {
	s.log.Debug("{handlers/upnp - writeFault} UPnP error %d: %v", code, err)

	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.WriteHeader(http.StatusInternalServerError)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="utf-8"?>`+
		`<s:Envelope xmlns:s="%s" s:encodingStyle="%s"><s:Body><s:Fault>`+
		`<faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring><detail>`+
		`<UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>%d</errorCode>`+
		`<errorDescription>%s</errorDescription></UPnPError></detail></s:Fault></s:Body></s:Envelope>`,
		soapEnvelopeNS, soapEncoding, code, escape(err.Error()))
}

func (s *Server) handleContentDirectory(w http.ResponseWriter, r *http.Request) {
	req, err := parseSOAP(r)
	if err != nil {
		s.writeFault(w, upnpInvalidArgs, err)
		return
	}
	client := s.clientFor(r)

	switch req.Action {
	case "Browse":
		start, err1 := req.index("StartingIndex")
		count, err2 := req.index("RequestedCount")
		if err := errors.Join(err1, err2); err != nil {
			s.writeFault(w, upnpInvalidArgs, err)
			return
		}
		res, err := s.content.Browse(r.Context(), client, content.BrowseRequest{
			ObjectID:       req.Args["ObjectID"],
			BrowseFlag:     content.BrowseFlag(req.Args["BrowseFlag"]),
			Filter:         req.Args["Filter"],
			StartingIndex:  start,
			RequestedCount: count,
			SortCriteria:   req.Args["SortCriteria"],
		})
		if err != nil {
			s.writeFault(w, upnpCode(err), err)
			return
		}
		writeSOAP(w, ContentDirectoryType, req.Action, resultArgs(res)...)

	case "Search":
		start, err1 := req.index("StartingIndex")
		count, err2 := req.index("RequestedCount")
		if err := errors.Join(err1, err2); err != nil {
			s.writeFault(w, upnpInvalidArgs, err)
			return
		}
		res, err := s.content.SearchDIDL(r.Context(), client, content.SearchRequest{
			ContainerID:    req.Args["ContainerID"],
			SearchCriteria: req.Args["SearchCriteria"],
			Filter:         req.Args["Filter"],
			StartingIndex:  start,
			RequestedCount: count,
			SortCriteria:   req.Args["SortCriteria"],
		})
		if err != nil {
			code := upnpCode(err)
			if code == upnpNoSuchObject {
				code = upnpNoSuchContainer
			}
			s.writeFault(w, code, err)
			return
		}
		writeSOAP(w, ContentDirectoryType, req.Action, resultArgs(res)...)

	case "GetSystemUpdateID":
		writeSOAP(w, ContentDirectoryType, req.Action, soapArg{"Id", strconv.FormatUint(uint64(s.content.UpdateID()), 10)})

	case "GetSearchCapabilities":
		writeSOAP(w, ContentDirectoryType, req.Action, soapArg{"SearchCaps", content.SearchCapabilities})

	case "GetSortCapabilities":
		writeSOAP(w, ContentDirectoryType, req.Action, soapArg{"SortCaps", content.SortCapabilities})

	default:
		s.writeFault(w, upnpInvalidAction, fmt.Errorf("unknown action %q", req.Action))
	}
}

func resultArgs(res content.BrowseResult) []soapArg {
	return []soapArg{
		{"Result", res.Result},
		{"NumberReturned", strconv.Itoa(res.NumberReturned)},
		{"TotalMatches", strconv.Itoa(res.TotalMatches)},
		{"UpdateID", strconv.FormatUint(uint64(res.UpdateID), 10)},
	}
}

func (s *Server) handleConnectionManager(w http.ResponseWriter, r *http.Request) {
	req, err := parseSOAP(r)
	if err != nil {
		s.writeFault(w, upnpInvalidArgs, err)
		return
	}

	switch req.Action {
	case "GetProtocolInfo":
		source := strings.Join(s.profiles.ListProtocols(clientID(r)), ",")
		writeSOAP(w, ConnectionManagerType, req.Action, soapArg{"Source", source}, soapArg{"Sink", ""})

	case "GetCurrentConnectionIDs":
		writeSOAP(w, ConnectionManagerType, req.Action, soapArg{"ConnectionIDs", "0"})

	case "GetCurrentConnectionInfo":
		writeSOAP(w, ConnectionManagerType, req.Action,
			soapArg{"RcsID", "-1"},
			soapArg{"AVTransportID", "-1"},
			soapArg{"ProtocolInfo", ""},
			soapArg{"PeerConnectionManager", ""},
			soapArg{"PeerConnectionID", "-1"},
			soapArg{"Direction", "Output"},
			soapArg{"Status", "OK"},
		)

	default:
		s.writeFault(w, upnpInvalidAction, fmt.Errorf("unknown action %q", req.Action))
	}
}

func escape(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

const contentDirectorySCPD = `<?xml version="1.0" encoding="utf-8"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0">
<specVersion><major>1</major><minor>0</minor></specVersion>
<actionList>
<action><name>Browse</name><argumentList>
<argument><name>ObjectID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_ObjectID</relatedStateVariable></argument>
<argument><name>BrowseFlag</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_BrowseFlag</relatedStateVariable></argument>
<argument><name>Filter</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_Filter</relatedStateVariable></argument>
<argument><name>StartingIndex</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_Index</relatedStateVariable></argument>
<argument><name>RequestedCount</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_Count</relatedStateVariable></argument>
<argument><name>SortCriteria</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_SortCriteria</relatedStateVariable></argument>
<argument><name>Result</name><direction>out</direction><relatedStateVariable>A_ARG_TYPE_Result</relatedStateVariable></argument>
<argument><name>NumberReturned</name><direction>out</direction><relatedStateVariable>A_ARG_TYPE_Count</relatedStateVariable></argument>
<argument><name>TotalMatches</name><direction>out</direction><relatedStateVariable>A_ARG_TYPE_Count</relatedStateVariable></argument>
<argument><name>UpdateID</name><direction>out</direction><relatedStateVariable>A_ARG_TYPE_UpdateID</relatedStateVariable></argument>
</argumentList></action>
<action><name>Search</name><argumentList>
<argument><name>ContainerID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_ObjectID</relatedStateVariable></argument>
<argument><name>SearchCriteria</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_SearchCriteria</relatedStateVariable></argument>
<argument><name>Filter</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_Filter</relatedStateVariable></argument>
<argument><name>StartingIndex</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_Index</relatedStateVariable></argument>
<argument><name>RequestedCount</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_Count</relatedStateVariable></argument>
<argument><name>SortCriteria</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_SortCriteria</relatedStateVariable></argument>
<argument><name>Result</name><direction>out</direction><relatedStateVariable>A_ARG_TYPE_Result</relatedStateVariable></argument>
<argument><name>NumberReturned</name><direction>out</direction><relatedStateVariable>A_ARG_TYPE_Count</relatedStateVariable></argument>
<argument><name>TotalMatches</name><direction>out</direction><relatedStateVariable>A_ARG_TYPE_Count</relatedStateVariable></argument>
<argument><name>UpdateID</name><direction>out</direction><relatedStateVariable>A_ARG_TYPE_UpdateID</relatedStateVariable></argument>
</argumentList></action>
<action><name>GetSystemUpdateID</name><argumentList>
<argument><name>Id</name><direction>out</direction><relatedStateVariable>SystemUpdateID</relatedStateVariable></argument>
</argumentList></action>
<action><name>GetSearchCapabilities</name><argumentList>
<argument><name>SearchCaps</name><direction>out</direction><relatedStateVariable>SearchCapabilities</relatedStateVariable></argument>
</argumentList></action>
<action><name>GetSortCapabilities</name><argumentList>
<argument><name>SortCaps</name><direction>out</direction><relatedStateVariable>SortCapabilities</relatedStateVariable></argument>
</argumentList></action>
</actionList>
<serviceStateTable>
<stateVariable sendEvents="no"><name>A_ARG_TYPE_ObjectID</name><dataType>string</dataType></stateVariable>
<stateVariable sendEvents="no"><name>A_ARG_TYPE_Result</name><dataType>string</dataType></stateVariable>
<stateVariable sendEvents="no"><name>A_ARG_TYPE_BrowseFlag</name><dataType>string</dataType>
<allowedValueList><allowedValue>BrowseMetadata</allowedValue><allowedValue>BrowseDirectChildren</allowedValue></allowedValueList></stateVariable>
<stateVariable sendEvents="no"><name>A_ARG_TYPE_Filter</name><dataType>string</dataType></stateVariable>
<stateVariable sendEvents="no"><name>A_ARG_TYPE_SortCriteria</name><dataType>string</dataType></stateVariable>
<stateVariable sendEvents="no"><name>A_ARG_TYPE_SearchCriteria</name><dataType>string</dataType></stateVariable>
<stateVariable sendEvents="no"><name>A_ARG_TYPE_Index</name><dataType>ui4</dataType></stateVariable>
<stateVariable sendEvents="no"><name>A_ARG_TYPE_Count</name><dataType>ui4</dataType></stateVariable>
<stateVariable sendEvents="no"><name>A_ARG_TYPE_UpdateID</name><dataType>ui4</dataType></stateVariable>
<stateVariable sendEvents="yes"><name>SystemUpdateID</name><dataType>ui4</dataType></stateVariable>
<stateVariable sendEvents="no"><name>SearchCapabilities</name><dataType>string</dataType></stateVariable>
<stateVariable sendEvents="no"><name>SortCapabilities</name><dataType>string</dataType></stateVariable>
</serviceStateTable>
</scpd>
`

const connectionManagerSCPD = `<?xml version="1.0" encoding="utf-8"?>
<scpd xmlns="urn:schemas-upnp-org:service-1-0">
<specVersion><major>1</major><minor>0</minor></specVersion>
<actionList>
<action><name>GetProtocolInfo</name><argumentList>
<argument><name>Source</name><direction>out</direction><relatedStateVariable>SourceProtocolInfo</relatedStateVariable></argument>
<argument><name>Sink</name><direction>out</direction><relatedStateVariable>SinkProtocolInfo</relatedStateVariable></argument>
</argumentList></action>
<action><name>GetCurrentConnectionIDs</name><argumentList>
<argument><name>ConnectionIDs</name><direction>out</direction><relatedStateVariable>CurrentConnectionIDs</relatedStateVariable></argument>
</argumentList></action>
<action><name>GetCurrentConnectionInfo</name><argumentList>
<argument><name>ConnectionID</name><direction>in</direction><relatedStateVariable>A_ARG_TYPE_ConnectionID</relatedStateVariable></argument>
<argument><name>RcsID</name><direction>out</direction><relatedStateVariable>A_ARG_TYPE_RcsID</relatedStateVariable></argument>
<argument><name>AVTransportID</name><direction>out</direction><relatedStateVariable>A_ARG_TYPE_AVTransportID</relatedStateVariable></argument>
<argument><name>ProtocolInfo</name><direction>out</direction><relatedStateVariable>A_ARG_TYPE_ProtocolInfo</relatedStateVariable></argument>
<argument><name>PeerConnectionManager</name><direction>out</direction><relatedStateVariable>A_ARG_TYPE_ConnectionManager</relatedStateVariable></argument>
<argument><name>PeerConnectionID</name><direction>out</direction><relatedStateVariable>A_ARG_TYPE_ConnectionID</relatedStateVariable></argument>
<argument><name>Direction</name><direction>out</direction><relatedStateVariable>A_ARG_TYPE_Direction</relatedStateVariable></argument>
<argument><name>Status</name><direction>out</direction><relatedStateVariable>A_ARG_TYPE_ConnectionStatus</relatedStateVariable></argument>
</argumentList></action>
</actionList>
<serviceStateTable>
<stateVariable sendEvents="yes"><name>SourceProtocolInfo</name><dataType>string</dataType></stateVariable>
<stateVariable sendEvents="yes"><name>SinkProtocolInfo</name><dataType>string</dataType></stateVariable>
<stateVariable sendEvents="yes"><name>CurrentConnectionIDs</name><dataType>string</dataType></stateVariable>
<stateVariable sendEvents="no"><name>A_ARG_TYPE_ConnectionStatus</name><dataType>string</dataType></stateVariable>
<stateVariable sendEvents="no"><name>A_ARG_TYPE_ConnectionManager</name><dataType>string</dataType></stateVariable>
<stateVariable sendEvents="no"><name>A_ARG_TYPE_Direction</name><dataType>string</dataType></stateVariable>
<stateVariable sendEvents="no"><name>A_ARG_TYPE_ProtocolInfo</name><dataType>string</dataType></stateVariable>
<stateVariable sendEvents="no"><name>A_ARG_TYPE_ConnectionID</name><dataType>i4</dataType></stateVariable>
<stateVariable sendEvents="no"><name>A_ARG_TYPE_AVTransportID</name><dataType>i4</dataType></stateVariable>
<stateVariable sendEvents="no"><name>A_ARG_TYPE_RcsID</name><dataType>i4</dataType></stateVariable>
</serviceStateTable>
</scpd>
`
