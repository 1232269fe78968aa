package osrm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/twpayne/go-polyline"

	"github.com/musthaq16/navtracker/types"
)

// ErrNoRoute is returned when the service answers without a usable route.
var ErrNoRoute = errors.New("no route found")

// polyline6 is the precision-6 encoding used by the directions services.
var polyline6 = polyline.Codec{Dim: 2, Scale: 1e6}

// Parse string like "12.9716,77.5946" into Coordinate
func ParseCoord(input string) (types.Coordinate, error) {
	parts := strings.Split(input, ",")
	if len(parts) != 2 {
		return types.Coordinate{}, fmt.Errorf("invalid coordinate: %s", input)
	}

	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return types.Coordinate{}, fmt.Errorf("invalid lat/lon: %s", input)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return types.Coordinate{}, fmt.Errorf("lat/lon out of range: %s", input)
	}

	return types.Coordinate{Lat: lat, Lon: lon}, nil
}

// OSRM response format. Mapbox Directions answers with the same shape.
type osrmResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Geometry string  `json:"geometry"`
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

// Client fetches routes from an OSRM compatible directions service. When an
// access token is set the Mapbox Directions path layout is used.
type Client struct {
	baseURL     string
	profile     string
	accessToken string
	http        *http.Client
}

func NewClient(baseURL, profile, accessToken string, timeout time.Duration) *Client {
	if profile == "" {
		profile = "driving"
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		profile:     profile,
		accessToken: accessToken,
		http:        &http.Client{Timeout: timeout},
	}
}

func (c *Client) routeURL(source, target types.Coordinate) string {
	path := "/route/v1/" + c.profile
	if c.accessToken != "" {
		path = "/directions/v5/mapbox/" + c.profile
	}

	q := url.Values{}
	q.Set("overview", "full")
	q.Set("geometries", "polyline6")
	if c.accessToken != "" {
		q.Set("access_token", c.accessToken)
	}

	return fmt.Sprintf("%s%s/%.6f,%.6f;%.6f,%.6f?%s",
		c.baseURL, path, source.Lon, source.Lat, target.Lon, target.Lat, q.Encode())
}

// Route returns the candidate routes from source to target, best ranked first.
func (c *Client) Route(ctx context.Context, source, target types.Coordinate) ([]types.Route, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.routeURL(source, target), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	var parsed osrmResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("directions returned %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("JSON decode failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directions returned %d: %s %s", resp.StatusCode, parsed.Code, parsed.Message)
	}
	if parsed.Code != "Ok" || len(parsed.Routes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, parsed.Code)
	}

	routes := make([]types.Route, 0, len(parsed.Routes))
	for i, r := range parsed.Routes {
		geometry, err := DecodeGeometry(r.Geometry)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		routes = append(routes, types.Route{
			ID:        uuid.NewString(),
			Geometry:  geometry,
			DistanceM: r.Distance,
			DurationS: r.Duration,
		})
	}

	return routes, nil
}

// DecodeGeometry decodes a precision-6 encoded polyline.
func DecodeGeometry(encoded string) ([]types.Coordinate, error) {
	pairs, rest, err := polyline6.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode polyline: %w", err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("decode polyline: %d trailing bytes", len(rest))
	}

	coords := make([]types.Coordinate, 0, len(pairs))
	for _, pair := range pairs {
		coords = append(coords, types.Coordinate{Lat: pair[0], Lon: pair[1]})
	}
	return coords, nil
}

// EncodeGeometry is the inverse of DecodeGeometry.
func EncodeGeometry(coords []types.Coordinate) string {
	pairs := make([][]float64, 0, len(coords))
	for _, c := range coords {
		pairs = append(pairs, []float64{c.Lat, c.Lon})
	}
	return string(polyline6.EncodeCoords(nil, pairs))
}
