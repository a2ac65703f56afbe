package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"

	"github.com/mescon/panoguard/internal/config"
	"github.com/mescon/panoguard/internal/domain"
	"github.com/mescon/panoguard/internal/eventbus"
	"github.com/mescon/panoguard/internal/logger"
	"github.com/mescon/panoguard/internal/streetview"
)

// MaxImportLines caps a single link import.
const MaxImportLines = 5000

var (
	// ErrInvalidImport is returned when a Vali payload is neither an array nor
	// an object with a "locations" array.
	ErrInvalidImport = errors.New("invalid format: expected JSON array of locations")
	// ErrNoValidLocations is returned when nothing in the payload is usable.
	ErrNoValidLocations = errors.New("no valid locations found in import data")
	// ErrTooManyLines is returned for link imports above MaxImportLines.
	ErrTooManyLines = fmt.Errorf("too many lines (max %d)", MaxImportLines)
)

// LinkResolver turns a pasted link or pano id into canonical metadata.
type LinkResolver interface {
	ResolveInput(ctx context.Context, input string, radius int) domain.Resolution
}

// LocationWriter inserts new locations into a map.
type LocationWriter interface {
	InsertLocations(ctx context.Context, mapID int64, locs []domain.NewLocation) (int64, error)
}

// RejectedLine is an input line that did not become a location.
type RejectedLine struct {
	Line   int    `json:"line"`
	Input  string `json:"input"`
	Reason string `json:"reason"`
}

// ImportResult reports what an import added.
type ImportResult struct {
	Added    int64          `json:"added"`
	Rejected []RejectedLine `json:"rejected"`
}

// ImportService adds locations to maps from links or Vali exports.
type ImportService struct {
	store    LocationWriter
	resolver LinkResolver
	eventBus eventbus.Publisher
}

func NewImportService(store LocationWriter, resolver LinkResolver, eb eventbus.Publisher) *ImportService {
	return &ImportService{store: store, resolver: resolver, eventBus: eb}
}

type lineResult struct {
	loc    domain.NewLocation
	reason string
}

// ImportLinks resolves one link or pano id per line and inserts every line
// the resolver recognises, in input order. Blank lines are ignored.
func (s *ImportService) ImportLinks(ctx context.Context, mapID int64, text string) (ImportResult, error) {
	type input struct {
		line int
		text string
	}
	var inputs []input
	for i, raw := range strings.Split(text, "\n") {
		if line := strings.TrimSpace(raw); line != "" {
			inputs = append(inputs, input{line: i + 1, text: line})
		}
	}
	if len(inputs) > MaxImportLines {
		return ImportResult{}, ErrTooManyLines
	}

	cfg := config.Get()
	results := make([]lineResult, len(inputs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(cfg.ScanConcurrency, 1))
	for i, in := range inputs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, ok := streetview.ParseLink(in.text); !ok {
				results[i].reason = "unrecognized link"
				return nil
			}

			res := s.resolver.ResolveInput(gctx, in.text, cfg.SearchRadius)
			switch res.Status {
			case domain.Resolved:
				results[i].loc = domain.NewLocation{PanoID: res.Pano.PanoID, Lat: res.Pano.Lat, Lng: res.Pano.Lng}
			case domain.NotFound:
				results[i].reason = "no coverage"
			default:
				logger.Debugf("Import line %d of map %d: %v", in.line, mapID, res.Err)
				results[i].reason = "lookup failed"
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ImportResult{}, err
	}

	out := ImportResult{Rejected: []RejectedLine{}}
	var locs []domain.NewLocation
	for i, r := range results {
		if r.reason != "" {
			out.Rejected = append(out.Rejected, RejectedLine{Line: inputs[i].line, Input: inputs[i].text, Reason: r.reason})
			continue
		}
		locs = append(locs, r.loc)
	}

	added, err := s.insert(ctx, mapID, locs, "links")
	if err != nil {
		return ImportResult{}, err
	}
	out.Added = added
	logger.Infof("Imported %d locations into map %d (%d rejected)", added, mapID, len(out.Rejected))
	return out, nil
}

type valiLocation struct {
	PanoID      *string  `json:"panoId"`
	Lat         *float64 `json:"lat"`
	Lng         *float64 `json:"lng"`
	CountryCode string   `json:"countryCode"`
}

// ImportVali inserts the entries of a Vali export that carry a pano id and a
// coordinate. The payload is either a JSON array or {"locations": [...]}.
// Entries are trusted and not resolved.
func (s *ImportService) ImportVali(ctx context.Context, mapID int64, payload []byte) (ImportResult, error) {
	entries, err := decodeVali(payload)
	if err != nil {
		return ImportResult{}, err
	}

	out := ImportResult{Rejected: []RejectedLine{}}
	var locs []domain.NewLocation
	for i, e := range entries {
		if e.PanoID == nil || *e.PanoID == "" || e.Lat == nil || e.Lng == nil {
			out.Rejected = append(out.Rejected, RejectedLine{Line: i + 1, Reason: "missing panoId, lat or lng"})
			continue
		}
		locs = append(locs, domain.NewLocation{PanoID: *e.PanoID, Lat: *e.Lat, Lng: *e.Lng, CountryCode: e.CountryCode})
	}
	if len(locs) == 0 {
		return ImportResult{}, ErrNoValidLocations
	}

	added, err := s.insert(ctx, mapID, locs, "vali")
	if err != nil {
		return ImportResult{}, err
	}
	out.Added = added
	logger.Infof("Imported %d Vali locations into map %d (%d rejected)", added, mapID, len(out.Rejected))
	return out, nil
}

func decodeVali(payload []byte) ([]valiLocation, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, ErrInvalidImport
	}

	var entries []valiLocation
	if payload[0] == '[' {
		if err := json.Unmarshal(payload, &entries); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidImport, err)
		}
		return entries, nil
	}

	var wrapped struct {
		Locations []valiLocation `json:"locations"`
	}
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImport, err)
	}
	if wrapped.Locations == nil {
		return nil, ErrInvalidImport
	}
	return wrapped.Locations, nil
}

func (s *ImportService) insert(ctx context.Context, mapID int64, locs []domain.NewLocation, source string) (int64, error) {
	if len(locs) == 0 {
		return 0, nil
	}
	added, err := s.store.InsertLocations(ctx, mapID, locs)
	if err != nil {
		return 0, err
	}
	if err := s.eventBus.Publish(domain.Event{
		AggregateType: "map",
		AggregateID:   fmt.Sprint(mapID),
		EventType:     domain.LocationsImported,
		EventData: map[string]interface{}{
			"map_id": mapID,
			"count":  added,
			"source": source,
		},
	}); err != nil {
		logger.Debugf("Failed to publish %s: %v", domain.LocationsImported, err)
	}
	return added, nil
}
