package content

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/maypok86/otter/v2"

	"lanmedia/work/catalog"
	"lanmedia/work/logger"
	"lanmedia/work/metrics"
	"lanmedia/work/profiles"
	"lanmedia/work/session"
)

// Negotiator ranks delivery profiles for a client. It is implemented by
// *profiles.Catalog.
type Negotiator interface {
	ProfilesFor(kind profiles.Kind, clientID string, src profiles.Source) (profiles.NegotiatedOffer, error)
}

// Options tune the service.
type Options struct {
	DefaultPageSize int
	OfferCacheSize  int
	OfferCacheTTL   time.Duration
}

// Client identifies the device a response is built for.
type Client struct {
	// ID is the client id "UserAgent/version@host".
	ID string

	// Base is prepended to playback URLs, e.g. "http://192.168.1.2:8200".
	Base string

	// Query carries playback parameters added to every playback URL, such
	// as musicmode or size.
	Query url.Values
}

func (c Client) musicMode() profiles.MusicMode {
	return profiles.MusicMode(c.Query.Get("musicmode"))
}

// Resource is one way of fetching an item.
type Resource struct {
	URL             string        `json:"url"`
	Profile         string        `json:"profile"`
	ProtocolInfo    string        `json:"protocolInfo"`
	Duration        time.Duration `json:"duration,omitempty"`
	Resolution      string        `json:"resolution,omitempty"`
	SampleFrequency int           `json:"sampleFrequency,omitempty"`
	AudioChannels   int           `json:"audioChannels,omitempty"`
	Size            int64         `json:"size,omitempty"`
	Rank            int           `json:"rank"`
}

// Item is a catalog entry prepared for one client.
type Item struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parentId"`
	Path      string    `json:"-"`
	Title     string    `json:"title"`
	Class     string    `json:"class"`
	Container bool      `json:"container"`
	Artist    string    `json:"artist,omitempty"`
	Album     string    `json:"album,omitempty"`
	Track     int       `json:"track,omitempty"`
	Date      time.Time `json:"date,omitzero"`

	Offer     profiles.NegotiatedOffer `json:"-"`
	Resources []Resource               `json:"resources,omitempty"`
}

// Page is one slice of a listing.
type Page struct {
	Items          []Item `json:"items"`
	NumberReturned int    `json:"numberReturned"`
	TotalMatches   int    `json:"totalMatches"`
	UpdateID       uint32 `json:"updateId"`
}

// Service is the browse and search façade over the catalog.
type Service struct {
	opts     Options
	catalog  catalog.Reader
	profiles Negotiator
	offers   *otter.Cache[string, profiles.NegotiatedOffer]
	updateID atomic.Uint32
	log      *logger.Logger
	metrics  *metrics.Metrics
}

// New creates a service over reader.
func New(opts Options, reader catalog.Reader, negotiator Negotiator, log *logger.Logger, m *metrics.Metrics) *Service {
	if opts.DefaultPageSize <= 0 {
		opts.DefaultPageSize = 256
	}
	if opts.OfferCacheSize <= 0 {
		opts.OfferCacheSize = 4096
	}
	if opts.OfferCacheTTL <= 0 {
		opts.OfferCacheTTL = 10 * time.Minute
	}
	if m == nil {
		m = metrics.New(nil)
	}

	s := &Service{
		opts:     opts,
		catalog:  reader,
		profiles: negotiator,
		offers: otter.Must(&otter.Options[string, profiles.NegotiatedOffer]{
			MaximumSize:      opts.OfferCacheSize,
			ExpiryCalculator: otter.ExpiryWriting[string, profiles.NegotiatedOffer](opts.OfferCacheTTL),
		}),
		log:     log,
		metrics: m,
	}
	s.updateID.Store(1)
	return s
}

// UpdateID identifies the current catalog content. It starts at 1 and grows
// with every NotifyChanged.
func (s *Service) UpdateID() uint32 {
	return s.updateID.Load()
}

// NotifyChanged records a catalog change.
func (s *Service) NotifyChanged() uint32 {
	id := s.updateID.Add(1)
	s.log.Debug("{content/service - NotifyChanged} system update id %d", id)
	return id
}

// WatchCatalog polls a versioned catalog and calls NotifyChanged whenever its
// revision moves. It returns when ctx is done.
func (s *Service) WatchCatalog(ctx context.Context, interval time.Duration) {
	v, ok := s.catalog.(catalog.Versioned)
	if !ok {
		return
	}
	last, _ := v.Revision(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rev, err := v.Revision(ctx)
			if err != nil {
				s.log.Warn("{content/service - WatchCatalog} revision check failed: %v", err)
				continue
			}
			if rev != last {
				last = rev
				s.NotifyChanged()
			}
		}
	}
}

func (s *Service) pageSize(count int) int {
	if count <= 0 {
		return s.opts.DefaultPageSize
	}
	return count
}

// ListChildren returns one page of the children of a container.
func (s *Service) ListChildren(ctx context.Context, client Client, path string, start, count int) (Page, error) {
	updateID := s.UpdateID()
	entries, total, err := s.catalog.ListChildren(ctx, path, start, s.pageSize(count))
	if err != nil {
		return Page{}, err
	}
	return s.page(client, entries, total, updateID), nil
}

// GetItem returns one entry prepared for the client.
func (s *Service) GetItem(ctx context.Context, client Client, path string) (Item, error) {
	e, err := s.catalog.GetItem(ctx, path)
	if err != nil {
		return Item{}, err
	}
	return s.item(client, e, s.UpdateID()), nil
}

// Search returns one page of the entries below a container matching the
// criteria.
func (s *Service) Search(ctx context.Context, client Client, path, criteria string, start, count int) (Page, error) {
	match, err := ParseCriteria(criteria)
	if err != nil {
		return Page{}, err
	}
	updateID := s.UpdateID()
	entries, total, err := s.catalog.Search(ctx, path, match, start, s.pageSize(count))
	if err != nil {
		return Page{}, err
	}
	return s.page(client, entries, total, updateID), nil
}

func (s *Service) page(client Client, entries []catalog.Entry, total int, updateID uint32) Page {
	p := Page{Items: make([]Item, 0, len(entries)), TotalMatches: total, UpdateID: updateID}
	for _, e := range entries {
		p.Items = append(p.Items, s.item(client, e, updateID))
	}
	p.NumberReturned = len(p.Items)
	return p
}

func (s *Service) item(client Client, e catalog.Entry, updateID uint32) Item {
	it := Item{
		ID:        ObjectID(e.Path),
		ParentID:  ObjectID(e.Parent),
		Path:      e.Path,
		Title:     e.Title,
		Class:     Class(e.Type),
		Container: e.IsContainer(),
		Artist:    e.Artist,
		Album:     e.Album,
		Track:     e.Track,
		Date:      e.Date,
	}
	if it.Container {
		return it
	}
	if e.Played {
		it.Title = "*" + it.Title
	}

	resolved := profiles.ResolveKind(e.Type, client.musicMode())
	it.Class = Class(resolved.Type)
	it.Offer = s.offer(client, e, resolved, updateID)
	it.Resources = resources(client, it.ID, e, resolved, it.Offer)
	return it
}

// offer negotiates the delivery options of e for the client. Music videos
// made from audio list the audio offers after the video ones.
func (s *Service) offer(client Client, e catalog.Entry, rk profiles.ResolvedKind, updateID uint32) profiles.NegotiatedOffer {
	key := strings.Join([]string{client.ID, e.Path, string(client.musicMode()), strconv.FormatUint(uint64(updateID), 10)}, "\x00")
	if cached, ok := s.offers.GetIfPresent(key); ok {
		return cached
	}

	kinds := []profiles.Kind{rk.Kind}
	if rk.AddVideo {
		kinds = append(kinds, profiles.KindAudio)
	}

	var all profiles.NegotiatedOffer
	for _, kind := range kinds {
		if kind == 0 {
			continue
		}
		offers, err := s.profiles.ProfilesFor(kind, client.ID, e.Source())
		switch {
		case errors.Is(err, profiles.ErrNoCompatibleFormat):
			s.metrics.Negotiations.WithLabelValues(kind.String(), "rejected").Inc()
			s.log.Debug("{content/service - offer} no %s profile for %s: %v", kind, e.Path, err)
		case err != nil:
			s.metrics.Negotiations.WithLabelValues(kind.String(), "error").Inc()
			s.log.Warn("{content/service - offer} negotiation failed for %s: %v", e.Path, err)
		default:
			s.metrics.Negotiations.WithLabelValues(kind.String(), "ok").Inc()
			all = append(all, offers...)
		}
	}
	s.offers.Set(key, all)
	return all
}

func resources(client Client, id string, e catalog.Entry, rk profiles.ResolvedKind, offers profiles.NegotiatedOffer) []Resource {
	out := make([]Resource, 0, len(offers))
	for _, o := range offers {
		q := url.Values{}
		for k, vs := range client.Query {
			q[k] = append([]string(nil), vs...)
		}
		q.Set("pf", profiles.Token(o.Profile))
		if o.Profile.Kind == profiles.KindAudio || rk.Type == profiles.ItemMusicVideo {
			q.Set("music", "true")
		}

		seekable := o.Profile.Kind != profiles.KindImage
		r := Resource{
			URL:          client.Base + "/stream/" + id + o.Profile.Suffix + "?" + q.Encode(),
			Profile:      o.Profile.Name,
			ProtocolInfo: profiles.ProtocolInfo(o.Profile, seekable),
			Rank:         o.Rank,
		}
		switch o.Profile.Kind {
		case profiles.KindImage:
			r.Resolution = fmt.Sprintf("%dx%d", o.Image.Width, o.Image.Height)
			r.Size = o.EstimatedSize
		case profiles.KindVideo:
			r.Duration = e.Duration
			if o.Video.Width > 0 {
				r.Resolution = fmt.Sprintf("%dx%d", o.Video.Width, o.Video.Height)
			}
			r.SampleFrequency = o.Audio.SampleRate
			r.AudioChannels = o.Audio.NumChannels()
		case profiles.KindAudio:
			r.Duration = e.Duration
			r.SampleFrequency = o.Audio.SampleRate
			r.AudioChannels = o.Audio.NumChannels()
		}
		out = append(out, r)
	}
	return out
}

// BrowseFlag selects what a browse returns.
type BrowseFlag string

const (
	BrowseMetadata       BrowseFlag = "BrowseMetadata"
	BrowseDirectChildren BrowseFlag = "BrowseDirectChildren"
)

// BrowseRequest mirrors the arguments of the ContentDirectory Browse action.
type BrowseRequest struct {
	ObjectID       string
	BrowseFlag     BrowseFlag
	Filter         string
	StartingIndex  int
	RequestedCount int
	SortCriteria   string
}

// BrowseResult mirrors the results of the Browse and Search actions.
type BrowseResult struct {
	Result         string
	NumberReturned int
	TotalMatches   int
	UpdateID       uint32
}

var (
	// ErrInvalidArgs is returned for browse arguments that cannot be served.
	ErrInvalidArgs = errors.New("invalid browse arguments")

	// ErrInvalidSort is returned for unsupported sort criteria. It matches
	// ErrInvalidArgs.
	ErrInvalidSort = fmt.Errorf("%w: sort criteria", ErrInvalidArgs)
)

// Browse serves a ContentDirectory Browse request and renders the result as
// DIDL-Lite.
func (s *Service) Browse(ctx context.Context, client Client, req BrowseRequest) (BrowseResult, error) {
	path, err := PathOf(req.ObjectID)
	if err != nil {
		return BrowseResult{}, err
	}
	sorter, err := parseSort(req.SortCriteria)
	if err != nil {
		return BrowseResult{}, err
	}

	var page Page
	switch req.BrowseFlag {
	case BrowseMetadata:
		it, err := s.GetItem(ctx, client, path)
		if err != nil {
			return BrowseResult{}, err
		}
		page = Page{Items: []Item{it}, NumberReturned: 1, TotalMatches: 1, UpdateID: s.UpdateID()}

	case BrowseDirectChildren:
		if sorter == nil {
			page, err = s.ListChildren(ctx, client, path, req.StartingIndex, req.RequestedCount)
		} else {
			page, err = s.sorted(ctx, client, req.StartingIndex, req.RequestedCount, sorter, func() ([]catalog.Entry, int, error) {
				return s.catalog.ListChildren(ctx, path, 0, 0)
			})
		}
		if err != nil {
			return BrowseResult{}, err
		}

	default:
		return BrowseResult{}, fmt.Errorf("%w: browse flag %q", ErrInvalidArgs, req.BrowseFlag)
	}

	return s.result(page, req.Filter)
}

// SearchRequest mirrors the arguments of the ContentDirectory Search action.
type SearchRequest struct {
	ContainerID    string
	SearchCriteria string
	Filter         string
	StartingIndex  int
	RequestedCount int
	SortCriteria   string
}

// SearchDIDL serves a ContentDirectory Search request.
func (s *Service) SearchDIDL(ctx context.Context, client Client, req SearchRequest) (BrowseResult, error) {
	path, err := PathOf(req.ContainerID)
	if err != nil {
		return BrowseResult{}, err
	}
	sorter, err := parseSort(req.SortCriteria)
	if err != nil {
		return BrowseResult{}, err
	}

	var page Page
	if sorter == nil {
		page, err = s.Search(ctx, client, path, req.SearchCriteria, req.StartingIndex, req.RequestedCount)
	} else {
		match, perr := ParseCriteria(req.SearchCriteria)
		if perr != nil {
			return BrowseResult{}, perr
		}
		page, err = s.sorted(ctx, client, req.StartingIndex, req.RequestedCount, sorter, func() ([]catalog.Entry, int, error) {
			return s.catalog.Search(ctx, path, match, 0, 0)
		})
	}
	if err != nil {
		return BrowseResult{}, err
	}
	return s.result(page, req.Filter)
}

// sorted loads every entry, orders them and then pages.
func (s *Service) sorted(ctx context.Context, client Client, start, count int, sorter func(a, b catalog.Entry) int, load func() ([]catalog.Entry, int, error)) (Page, error) {
	updateID := s.UpdateID()
	all, _, err := load()
	if err != nil {
		return Page{}, err
	}
	slices.SortStableFunc(all, sorter)

	total := len(all)
	start = min(max(start, 0), total)
	end := min(start+s.pageSize(count), total)
	return s.page(client, all[start:end], total, updateID), nil
}

func (s *Service) result(page Page, filter string) (BrowseResult, error) {
	didl, err := RenderDIDL(page.Items, filter)
	if err != nil {
		return BrowseResult{}, err
	}
	return BrowseResult{
		Result:         string(didl),
		NumberReturned: page.NumberReturned,
		TotalMatches:   page.TotalMatches,
		UpdateID:       page.UpdateID,
	}, nil
}

// parseSort compiles sort criteria such as "+dc:title,-dc:date". An empty
// string keeps the catalog order.
func parseSort(criteria string) (func(a, b catalog.Entry) int, error) {
	criteria = strings.TrimSpace(criteria)
	if criteria == "" {
		return nil, nil
	}

	var keys []func(a, b catalog.Entry) int
	for _, field := range strings.Split(criteria, ",") {
		field = strings.TrimSpace(field)
		desc := strings.HasPrefix(field, "-")
		field = strings.TrimLeft(field, "+-")

		var cmpFn func(a, b catalog.Entry) int
		switch field {
		case "dc:title":
			cmpFn = func(a, b catalog.Entry) int {
				return cmp.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title))
			}
		case "dc:date":
			cmpFn = func(a, b catalog.Entry) int { return a.Date.Compare(b.Date) }
		case "upnp:artist", "dc:creator":
			cmpFn = func(a, b catalog.Entry) int { return cmp.Compare(a.Artist, b.Artist) }
		case "upnp:album":
			cmpFn = func(a, b catalog.Entry) int { return cmp.Compare(a.Album, b.Album) }
		case "upnp:originalTrackNumber":
			cmpFn = func(a, b catalog.Entry) int { return cmp.Compare(a.Track, b.Track) }
		case "upnp:class":
			cmpFn = func(a, b catalog.Entry) int { return cmp.Compare(Class(a.Type), Class(b.Type)) }
		default:
			return nil, fmt.Errorf("%w: cannot sort by %q", ErrInvalidSort, field)
		}
		if desc {
			asc := cmpFn
			cmpFn = func(a, b catalog.Entry) int { return -asc(a, b) }
		}
		keys = append(keys, cmpFn)
	}

	return func(a, b catalog.Entry) int {
		for _, k := range keys {
			if c := k(a, b); c != 0 {
				return c
			}
		}
		return 0
	}, nil
}

// SortCapabilities lists the properties parseSort accepts.
const SortCapabilities = "dc:title,dc:date,upnp:artist,dc:creator,upnp:album,upnp:originalTrackNumber,upnp:class"

// SearchCapabilities lists the properties ParseCriteria accepts.
const SearchCapabilities = "dc:title,upnp:class,upnp:artist,dc:creator,upnp:album,dc:date"

// StreamRequest turns a stream URL into a session request. name is the last
// URL segment ("<id><suffix>"), query its parameters and signature the
// client part of the session key.
func (s *Service) StreamRequest(ctx context.Context, name string, query url.Values, signature string) (session.Request, catalog.Entry, error) {
	path, suffix, err := ParseStreamName(name)
	if err != nil {
		return session.Request{}, catalog.Entry{}, err
	}
	e, err := s.catalog.GetItem(ctx, path)
	if err != nil {
		return session.Request{}, catalog.Entry{}, err
	}
	if e.IsContainer() {
		return session.Request{}, catalog.Entry{}, fmt.Errorf("%s is a container: %w", path, catalog.ErrNotFound)
	}

	params, err := session.ParseParams(query, suffix)
	if err != nil {
		return session.Request{}, catalog.Entry{}, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}

	return session.Request{
		SourcePath:      e.Path,
		Token:           query.Get("pf"),
		Kind:            profiles.ResolveKind(e.Type, params.MusicMode).Kind,
		Source:          e.Source(),
		Params:          params,
		ClientSignature: signature,
	}, e, nil
}
