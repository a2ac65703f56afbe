package streetview

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/mescon/panoguard/internal/domain"
)

// minRawIDLength is the shortest string accepted as a bare panorama id.
const minRawIDLength = 11

// Link is what a pasted map link or bare id tells us about a panorama.
type Link struct {
	PanoID string
	Lat    float64
	Lng    float64
}

// ParseLink understands bare panorama ids, "@lat,lng" map links, "!1s<id>!"
// data segments and "?pano=<id>" links. ok is false when input carries
// neither a panorama id nor a non-zero coordinate.
func ParseLink(input string) (Link, bool) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Link{}, false
	}

	if !strings.ContainsAny(input, "/ \t") && !strings.Contains(input, "google.com") && len(input) >= minRawIDLength {
		return Link{PanoID: input}, true
	}

	u, err := url.Parse(input)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Link{}, false
	}

	var link Link
	path := u.Path
	if _, after, found := strings.Cut(path, "@"); found {
		parts := strings.Split(after, ",")
		if len(parts) >= 2 {
			link.Lat = parseCoord(parts[0])
			link.Lng = parseCoord(parts[1])
		}
	}

	if _, after, found := strings.Cut(path, "!1s"); found {
		id, _, _ := strings.Cut(after, "!")
		link.PanoID = id
	}
	if link.PanoID == "" {
		link.PanoID = u.Query().Get("pano")
	}

	if link.PanoID != "" || (link.Lat != 0 && link.Lng != 0) {
		return link, true
	}
	return Link{}, false
}

func parseCoord(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// ResolveInput parses a pasted link and resolves it to canonical metadata,
// by panorama id when the link has one and by coordinate otherwise.
func (c *Client) ResolveInput(ctx context.Context, input string, radius int) domain.Resolution {
	link, ok := ParseLink(input)
	if !ok {
		return domain.Resolution{Status: domain.NotFound}
	}
	if link.PanoID != "" {
		return c.ResolveByID(ctx, link.PanoID)
	}
	return c.ResolveByCoordinate(ctx, link.Lat, link.Lng, radius)
}
