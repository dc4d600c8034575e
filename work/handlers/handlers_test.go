package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"

	"lanmedia/work/catalog"
	"lanmedia/work/content"
	"lanmedia/work/logger"
	"lanmedia/work/pipeline"
	"lanmedia/work/profiles"
	"lanmedia/work/session"
	"lanmedia/work/ssdp"
)

const payload = "not really an mpeg stream"

type staticHandle struct {
	r io.Reader
}

func (h *staticHandle) ID() string              { return "static" }
func (h *staticHandle) Output() io.Reader       { return h.r }
func (h *staticHandle) Active() bool            { return true }
func (h *staticHandle) LastActivity() time.Time { return time.Now() }
func (h *staticHandle) Close() error            { return nil }

type staticPipeline struct {
	opens atomic.Int32
	last  atomic.Value
}

func (p *staticPipeline) Open(_ context.Context, spec pipeline.Spec) (pipeline.Handle, error) {
	p.opens.Add(1)
	p.last.Store(spec)
	return &staticHandle{r: strings.NewReader(payload)}, nil
}

type fakeDiscovery struct {
	searched atomic.Int32
}

func (d *fakeDiscovery) QueryResults(st string) []ssdp.RemoteNode {
	return []ssdp.RemoteNode{{ServiceType: st, UUID: "peer", Location: "http://192.168.1.9/desc.xml"}}
}

func (d *fakeDiscovery) Search(_ context.Context, st string) ([]ssdp.RemoteNode, error) {
	d.searched.Add(1)
	return d.QueryResults(st), nil
}

func (d *fakeDiscovery) Published() []string {
	return []string{"upnp:rootdevice", DeviceType}
}

type testServer struct {
	router    *mux.Router
	content   *content.Service
	profiles  *profiles.Catalog
	pipe      *staticPipeline
	discovery *fakeDiscovery
	log       *logger.Logger
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	mem := catalog.NewMemory()
	mem.Add(
		catalog.Entry{
			Path: "/Music/song.flac", Title: "Song & Dance", Type: profiles.ItemMusic,
			Duration: 3 * time.Minute, Artist: "Band",
			Audio: profiles.AudioFormat{SampleRate: 44100, Channels: profiles.ChannelsStereo},
		},
		catalog.Entry{
			Path: "/Photos/cat.jpg", Title: "cat", Type: profiles.ItemPhoto,
			Image: profiles.ImageSize{Width: 640, Height: 480},
		},
	)

	log := logger.Discard()
	cat := profiles.NewCatalog(profiles.Capabilities{}, nil)
	svc := content.New(content.Options{}, mem, cat, log, nil)

	pool, err := ants.NewPool(4)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Release)

	pipe := &staticPipeline{}
	sessions := session.NewManager(session.Options{}, cat, pipe, pool, log, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sessions.Shutdown(ctx)
	})

	d := &fakeDiscovery{}
	srv := New(Options{DeviceUUID: "1234-5678", FriendlyName: "Den <Media>"}, svc, sessions, cat, d, nil, log)
	return &testServer{router: srv.Router(), content: svc, profiles: cat, pipe: pipe, discovery: d, log: log}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func soapBody(action string, args map[string]string) io.Reader {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body>`)
	fmt.Fprintf(&b, `<u:%s xmlns:u="%s">`, action, ContentDirectoryType)
	for k, v := range args {
		fmt.Fprintf(&b, "<%s>%s</%s>", k, v, k)
	}
	fmt.Fprintf(&b, `</u:%s></s:Body></s:Envelope>`, action)
	return strings.NewReader(b.String())
}

func TestDescription(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, DescriptionPath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"<UDN>uuid:1234-5678</UDN>", "Den &lt;Media&gt;", ContentDirectoryType, ConnectionManagerType} {
		if !strings.Contains(body, want) {
			t.Errorf("description lacks %q", want)
		}
	}
}

func TestDescriptionIsCompressed(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, DescriptionPath, nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := ts.do(req)
	if rec.Header().Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q", rec.Header().Get("Content-Encoding"))
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("<UDN>")) {
		t.Error("body was sent uncompressed")
	}
}

func TestSOAPBrowse(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/upnp/control/contentdirectory", soapBody("Browse", map[string]string{
		"ObjectID":       content.ObjectID("/Music"),
		"BrowseFlag":     "BrowseDirectChildren",
		"Filter":         "*",
		"StartingIndex":  "0",
		"RequestedCount": "10",
	}))
	rec := ts.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "<u:BrowseResponse") || !strings.Contains(body, "<TotalMatches>1</TotalMatches>") {
		t.Errorf("response = %s", body)
	}
	// the DIDL document is itself escaped inside the SOAP envelope
	if !strings.Contains(body, "&lt;dc:title&gt;Song &amp;amp; Dance&lt;/dc:title&gt;") {
		t.Errorf("title not double escaped: %s", body)
	}
}

func TestSOAPFaults(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		action string
		args   map[string]string
		code   string
	}{
		{"Browse", map[string]string{"ObjectID": content.ObjectID("/nope"), "BrowseFlag": "BrowseMetadata"}, "701"},
		{"Browse", map[string]string{"ObjectID": "0", "BrowseFlag": "BrowseDirectChildren", "SortCriteria": "+res@bitrate"}, "709"},
		{"Browse", map[string]string{"ObjectID": "0", "BrowseFlag": "BrowseDirectChildren", "StartingIndex": "-1"}, "402"},
		{"Search", map[string]string{"ContainerID": content.ObjectID("/nope"), "SearchCriteria": "*"}, "710"},
		{"Search", map[string]string{"ContainerID": "0", "SearchCriteria": "dc:title"}, "708"},
		{"Dance", nil, "401"},
	}
	for _, c := range cases {
		rec := ts.do(httptest.NewRequest(http.MethodPost, "/upnp/control/contentdirectory", soapBody(c.action, c.args)))
		if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "<errorCode>"+c.code+"</errorCode>") {
			t.Errorf("%s %v: %d %s", c.action, c.args, rec.Code, rec.Body)
		}
	}
}

func TestSOAPSystemUpdateID(t *testing.T) {
	ts := newTestServer(t)
	ts.content.NotifyChanged()

	rec := ts.do(httptest.NewRequest(http.MethodPost, "/upnp/control/contentdirectory", soapBody("GetSystemUpdateID", nil)))
	if !strings.Contains(rec.Body.String(), "<Id>2</Id>") {
		t.Errorf("response = %s", rec.Body)
	}
}

func TestSOAPActionHeader(t *testing.T) {
	ts := newTestServer(t)

	body := `<?xml version="1.0"?><s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/"><s:Body></s:Body></s:Envelope>`
	req := httptest.NewRequest(http.MethodPost, "/upnp/control/connectionmanager", strings.NewReader(body))
	req.Header.Set("SOAPACTION", `"`+ConnectionManagerType+`#GetProtocolInfo"`)
	rec := ts.do(req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "http-get:*:audio/mpeg:") {
		t.Errorf("response = %d %s", rec.Code, rec.Body)
	}
}

func streamURL(t *testing.T, ts *testServer, path string) *url.URL {
	t.Helper()
	it, err := ts.content.GetItem(context.Background(), content.Client{Base: "http://example.com"}, path)
	if err != nil {
		t.Fatal(err)
	}
	if len(it.Resources) == 0 {
		t.Fatalf("%s has no resources", path)
	}
	u, err := url.Parse(it.Resources[0].URL)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestStream(t *testing.T) {
	ts := newTestServer(t)
	u := streamURL(t, ts, "/Music/song.flac")

	rec := ts.do(httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if rec.Body.String() != payload {
		t.Errorf("body = %q", rec.Body)
	}
	if !strings.Contains(rec.Header().Get("contentFeatures.dlna.org"), "DLNA.ORG_PN=") {
		t.Errorf("contentFeatures = %q", rec.Header().Get("contentFeatures.dlna.org"))
	}
	if rec.Header().Get("transferMode.dlna.org") != "Streaming" || rec.Header().Get("Content-Type") == "" {
		t.Errorf("headers = %v", rec.Header())
	}

	spec := ts.pipe.last.Load().(pipeline.Spec)
	if spec.Source != "/Music/song.flac" {
		t.Errorf("pipeline source = %q", spec.Source)
	}
}

func TestStreamHeadStartsNothing(t *testing.T) {
	ts := newTestServer(t)
	u := streamURL(t, ts, "/Photos/cat.jpg")

	rec := ts.do(httptest.NewRequest(http.MethodHead, u.RequestURI(), nil))
	if rec.Code != http.StatusOK || rec.Header().Get("transferMode.dlna.org") != "Interactive" {
		t.Errorf("HEAD = %d %v", rec.Code, rec.Header())
	}
	if ts.pipe.opens.Load() != 0 {
		t.Error("HEAD opened a pipeline")
	}
}

func TestStreamErrors(t *testing.T) {
	ts := newTestServer(t)
	u := streamURL(t, ts, "/Music/song.flac")

	cases := []struct {
		target string
		want   int
	}{
		{"/stream/garbage.mp3", http.StatusNotFound},
		{"/stream/" + content.ObjectID("/Music") + ".mp3", http.StatusNotFound},
		{u.Path + "?pf=" + url.QueryEscape("DLNA.ORG_PN=NOPE;"), http.StatusNotFound},
		{u.Path + "?pf=" + u.Query().Get("pf") + "&channels=zz", http.StatusBadRequest},
		{"/stream/" + content.ObjectID("/Music/song.flac") + ".xyz", http.StatusUnsupportedMediaType},
	}
	for _, c := range cases {
		rec := ts.do(httptest.NewRequest(http.MethodGet, c.target, nil))
		if rec.Code != c.want {
			t.Errorf("GET %s = %d, want %d", c.target, rec.Code, c.want)
		}
	}
}

func TestPlaylist(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/playlist/"+content.ObjectID("/Music")+".m3u8", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "#EXTINF:180") {
		t.Errorf("playlist = %d %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/vnd.apple.mpegurl" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestAPIBrowse(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/browse/0?count=1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var page content.Page
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	if page.TotalMatches != 2 || page.NumberReturned != 1 || page.Items[0].Title != "Music" {
		t.Errorf("page = %+v", page)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/api/browse/"+content.ObjectID("/Photos/cat.jpg"), nil))
	var item content.Item
	if err := json.NewDecoder(rec.Body).Decode(&item); err != nil {
		t.Fatal(err)
	}
	if item.Title != "cat" || len(item.Resources) == 0 {
		t.Errorf("item = %+v", item)
	}

	if rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/browse/0?start=x", nil)); rec.Code != http.StatusBadRequest {
		t.Errorf("bad start = %d", rec.Code)
	}
}

func TestAPISearch(t *testing.T) {
	ts := newTestServer(t)

	q := url.QueryEscape(`dc:title contains "dance"`)
	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/search/0?q="+q, nil))
	var page content.Page
	if err := json.NewDecoder(rec.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	if page.TotalMatches != 1 {
		t.Errorf("page = %+v", page)
	}

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/api/search/0?q="+url.QueryEscape("dc:title"), nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad criteria = %d", rec.Code)
	}
}

func TestAPISessionsAndStats(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	var infos []session.Info
	if err := json.NewDecoder(rec.Body).Decode(&infos); err != nil || len(infos) != 0 {
		t.Errorf("sessions = %v, %v", infos, err)
	}

	if rec := ts.do(httptest.NewRequest(http.MethodDelete, "/api/sessions/nope", nil)); rec.Code != http.StatusNotFound {
		t.Errorf("closing unknown session = %d", rec.Code)
	}

	rec = ts.do(httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	var stats StatsResponse
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.SystemUpdateID != 1 || stats.ServerName != "Den <Media>" || len(stats.Published) != 2 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAPIDiscovery(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/api/discovery/upnp:rootdevice", nil))
	if !strings.Contains(rec.Body.String(), `"peer"`) || ts.discovery.searched.Load() != 0 {
		t.Errorf("cached query = %s", rec.Body)
	}
	ts.do(httptest.NewRequest(http.MethodGet, "/api/discovery/upnp:rootdevice?search=true", nil))
	if ts.discovery.searched.Load() != 1 {
		t.Error("search=true did not search")
	}
}

func TestAPILogLevel(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(httptest.NewRequest(http.MethodPost, "/api/loglevel", strings.NewReader(`{"level":"debug"}`)))
	if rec.Code != http.StatusOK || !ts.log.IsDebug() {
		t.Errorf("set level = %d %s", rec.Code, rec.Body)
	}
	if rec := ts.do(httptest.NewRequest(http.MethodPost, "/api/loglevel", strings.NewReader(`{`))); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body = %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{catalog.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("x: %w", profiles.ErrNoCompatibleFormat), http.StatusUnsupportedMediaType},
		{fmt.Errorf("open: %w", session.ErrUnsupportedFormat), http.StatusUnsupportedMediaType},
		{session.ErrTooManySessions, http.StatusServiceUnavailable},
		{content.ErrInvalidSort, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		if got := statusFor(c.err); got != c.want {
			t.Errorf("statusFor(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}

func TestClientID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.7:5000"
	req.Header.Set("User-Agent", "Renderer/2.1 UPnP/1.0")
	if got := clientID(req); !strings.HasPrefix(got, "Renderer/2.1") || !strings.HasSuffix(got, "192.168.1.7") {
		t.Errorf("clientID = %q", got)
	}

	req.Header.Set("X-AV-Client-Info", `av=5.0; cn="Sony Corporation"; mn="BRAVIA KDL-40"; mv="1.7"`)
	if got := clientID(req); !strings.HasPrefix(got, "BRAVIA") {
		t.Errorf("clientID with X-AV-Client-Info = %q", got)
	}
}
