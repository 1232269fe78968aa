package journal

import (
	"context"
	"log"
	"time"

	"github.com/musthaq16/navtracker/internal/db"
	"github.com/musthaq16/navtracker/internal/osrm"
	"github.com/musthaq16/navtracker/types"
)

// Schema creates the journal tables.
const Schema = `
CREATE TABLE IF NOT EXISTS route_log (
	route_id    TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	seq         BIGINT NOT NULL,
	geometry    TEXT NOT NULL,
	distance_m  DOUBLE PRECISION NOT NULL,
	duration_s  DOUBLE PRECISION NOT NULL,
	accepted_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS arrival_log (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL,
	dest_lat    DOUBLE PRECISION NOT NULL,
	dest_lon    DOUBLE PRECISION NOT NULL,
	lat         DOUBLE PRECISION NOT NULL,
	lon         DOUBLE PRECISION NOT NULL,
	distance_m  DOUBLE PRECISION NOT NULL,
	arrived_at  TIMESTAMPTZ NOT NULL
);`

const flushTimeout = 5 * time.Second

type entry struct {
	sessionID string
	route     *types.Route
	arrival   *types.ArrivalEvent
	at        time.Time
}

// Writer stores accepted routes and arrivals. Record calls only enqueue;
// Run performs the writes.
type Writer struct {
	db      db.Querier
	entries chan entry
}

func NewWriter(q db.Querier, buffer int) *Writer {
	if buffer <= 0 {
		buffer = 256
	}
	return &Writer{db: q, entries: make(chan entry, buffer)}
}

// Migrate creates the journal tables if they are missing.
func (w *Writer) Migrate(ctx context.Context) error {
	_, err := w.db.Exec(ctx, Schema)
	return err
}

func (w *Writer) RecordRoute(sessionID string, route types.Route) {
	w.enqueue(entry{sessionID: sessionID, route: &route, at: time.Now()})
}

func (w *Writer) RecordArrival(ev types.ArrivalEvent) {
	w.enqueue(entry{sessionID: ev.SessionID, arrival: &ev, at: ev.At})
}

func (w *Writer) enqueue(e entry) {
	select {
	case w.entries <- e:
	default:
		log.Printf("[%s] journal buffer full, entry dropped", e.sessionID)
	}
}

// Run writes queued entries until ctx is done, then flushes whatever is
// still buffered before returning.
func (w *Writer) Run(ctx context.Context) {
	defer w.flush()
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case e := <-w.entries:
			w.store(ctx, e)
		}
	}
}

func (w *Writer) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for {
		select {
		case e := <-w.entries:
			w.store(ctx, e)
		default:
			return
		}
	}
}

func (w *Writer) store(ctx context.Context, e entry) {
	if err := w.write(ctx, e); err != nil {
		log.Printf("[%s] journal write error: %v", e.sessionID, err)
	}
}

func (w *Writer) write(ctx context.Context, e entry) error {
	switch {
	case e.route != nil:
		_, err := w.db.Exec(ctx, `
			INSERT INTO route_log (route_id, session_id, seq, geometry, distance_m, duration_s, accepted_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (route_id) DO NOTHING
		`, e.route.ID, e.sessionID, int64(e.route.Seq), osrm.EncodeGeometry(e.route.Geometry), e.route.DistanceM, e.route.DurationS, e.at)
		return err
	case e.arrival != nil:
		a := e.arrival
		_, err := w.db.Exec(ctx, `
			INSERT INTO arrival_log (session_id, dest_lat, dest_lon, lat, lon, distance_m, arrived_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, a.SessionID, a.Destination.Lat, a.Destination.Lon, a.Position.Lat, a.Position.Lon, a.DistanceM, e.at)
		return err
	}
	return nil
}

// Arrival is a row of arrival_log.
type Arrival struct {
	SessionID   string           `json:"session_id"`
	Destination types.Coordinate `json:"destination"`
	Position    types.Coordinate `json:"position"`
	DistanceM   float64          `json:"distance_m"`
	ArrivedAt   time.Time        `json:"arrived_at"`
}

// Arrivals lists the most recent arrivals of a session, newest first.
func (w *Writer) Arrivals(ctx context.Context, sessionID string, limit int) ([]Arrival, error) {
	rows, err := w.db.Query(ctx, `
		SELECT session_id, dest_lat, dest_lon, lat, lon, distance_m, arrived_at
		FROM arrival_log WHERE session_id=$1
		ORDER BY arrived_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var arrivals []Arrival
	for rows.Next() {
		var a Arrival
		if err := rows.Scan(&a.SessionID, &a.Destination.Lat, &a.Destination.Lon, &a.Position.Lat, &a.Position.Lon, &a.DistanceM, &a.ArrivedAt); err != nil {
			return nil, err
		}
		arrivals = append(arrivals, a)
	}
	return arrivals, rows.Err()
}
