package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/upnode/upnode-go/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	Calls             map[string]*MethodStats
	Connections       map[string]*ConnectionStats
	Attempts          uint32
	Timeouts          int
	Errors            int
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// MethodStats aggregates calls of one method.
type MethodStats struct {
	Calls   int
	Errors  int
	Total   time.Duration
	Replies int
}

// ConnectionStats holds statistics for a single connection.
type ConnectionStats struct {
	FirstSeen  time.Time
	LastSeen   time.Time
	Events     int
	Role       log.Role
	RemoteAddr string
}

// Collect reads every event of path into a Stats.
func Collect(path string, filter log.Filter) (*Stats, error) {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		Calls:             make(map[string]*MethodStats),
		Connections:       make(map[string]*ConnectionStats),
	}
	// Outbound calls by connection and message ID, to attribute replies.
	pending := make(map[string]string)

	for {
		event, err := reader.Next()
		if err == io.EOF {
			return stats, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read event: %w", err)
		}
		stats.add(event, pending)
	}
}

func (s *Stats) add(event log.Event, pending map[string]string) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}
	if event.Attempt > s.Attempts {
		s.Attempts = event.Attempt
	}

	if event.ConnectionID != "" {
		conn, ok := s.Connections[event.ConnectionID]
		if !ok {
			conn = &ConnectionStats{
				FirstSeen: event.Timestamp,
				LastSeen:  event.Timestamp,
				Role:      event.LocalRole,
			}
			s.Connections[event.ConnectionID] = conn
		}
		conn.Events++
		if event.Timestamp.After(conn.LastSeen) {
			conn.LastSeen = event.Timestamp
		}
		if conn.RemoteAddr == "" {
			conn.RemoteAddr = event.RemoteAddr
		}
	}

	if msg := event.Message; msg != nil {
		key := fmt.Sprintf("%s/%d", event.ConnectionID, msg.MessageID)
		switch {
		case msg.Method != "" && event.Direction == log.DirectionOut:
			s.method(msg.Method).Calls++
			pending[key] = msg.Method
		case msg.Method == "" && msg.MessageID != 0 && event.Direction == log.DirectionIn:
			if name, ok := pending[key]; ok {
				delete(pending, key)
				m := s.method(name)
				m.Replies++
				if msg.Error != "" {
					m.Errors++
				}
				if msg.Latency != nil {
					m.Total += *msg.Latency
				}
			}
		}
	}

	if event.ControlMsg != nil && event.ControlMsg.Type == log.ControlMsgTimeout {
		s.Timeouts++
	}
	if event.Error != nil {
		s.Errors++
	}
}

func (s *Stats) method(name string) *MethodStats {
	m, ok := s.Calls[name]
	if !ok {
		m = &MethodStats{}
		s.Calls[name] = m
	}
	return m
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, filter log.Filter, w io.Writer) error {
	stats, err := Collect(path, filter)
	if err != nil {
		return err
	}
	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== upnode Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerRPC, log.LayerOverlay} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryControl, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if len(stats.Calls) > 0 {
		names := make([]string, 0, len(stats.Calls))
		for name := range stats.Calls {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintln(w, "Outbound Calls:")
		for _, name := range names {
			m := stats.Calls[name]
			fmt.Fprintf(w, "  %-12s %d calls, %d replies, %d errors", name+":", m.Calls, m.Replies, m.Errors)
			if m.Replies > 0 && m.Total > 0 {
				fmt.Fprintf(w, ", avg %s", formatDuration(m.Total/time.Duration(m.Replies)))
			}
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w)
	}

	if stats.Attempts > 0 {
		fmt.Fprintf(w, "Connection Attempts: %d\n", stats.Attempts)
	}
	if stats.Timeouts > 0 {
		fmt.Fprintf(w, "Heartbeat Timeouts: %d\n", stats.Timeouts)
	}

	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))
	if len(stats.Connections) > 0 {
		type connInfo struct {
			id    string
			stats *ConnectionStats
		}
		conns := make([]connInfo, 0, len(stats.Connections))
		for id, cs := range stats.Connections {
			conns = append(conns, connInfo{id, cs})
		}
		sort.Slice(conns, func(i, j int) bool {
			return conns[i].stats.FirstSeen.Before(conns[j].stats.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, c := range conns {
			duration := c.stats.LastSeen.Sub(c.stats.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %s %d events, duration %s\n", shortenConnID(c.id), c.stats.Role, c.stats.Events, duration)
			if c.stats.RemoteAddr != "" {
				fmt.Fprintf(w, "           Remote: %s\n", c.stats.RemoteAddr)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
