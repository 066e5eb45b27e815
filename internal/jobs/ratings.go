// Package jobs declares the pipelines the sortflow binary runs.
package jobs

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/withObsrvr/obsrvr-sortflow/internal/export"
	"github.com/withObsrvr/obsrvr-sortflow/internal/record"
	"github.com/withObsrvr/obsrvr-sortflow/internal/schedule"
)

// A parsed rating is 12 bytes: user, day (YYYYMMDD) and rating, each a
// big-endian uint32. Byte order makes (user, day) sort as bytes.
const ratingSize = 12

const dateLayout = "2006-01-02"

// RatingsConfig tunes the ratings pipeline.
type RatingsConfig struct {
	// MaxPerDay drops every user/day with more ratings than this.
	MaxPerDay int
	// Export writes each summary partition as parquet when set.
	Export            bool
	ExportCompression string
}

// DefaultRatingsConfig returns the settings the CLI starts from.
func DefaultRatingsConfig() RatingsConfig {
	return RatingsConfig{MaxPerDay: 1, Export: true, ExportCompression: export.DefaultConfig().Compression}
}

// UserSummary is one exported row.
type UserSummary struct {
	UserID     int64     `parquet:"user_id"`
	Ratings    int64     `parquet:"ratings"`
	MeanRating float64   `parquet:"mean_rating"`
	FirstDate  string    `parquet:"first_date"`
	LastDate   string    `parquet:"last_date"`
	ExportedAt time.Time `parquet:"exported_at,timestamp(millisecond)"`
}

type rating struct {
	user   uint32
	day    uint32
	rating uint32
}

// parseRating reads "user,rating,date".
func parseRating(line string) (rating, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 3 {
		return rating{}, fmt.Errorf("want 3 fields, got %d", len(parts))
	}
	user, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 10, 32)
	if err != nil {
		return rating{}, fmt.Errorf("user: %w", err)
	}
	r, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 10, 32)
	if err != nil {
		return rating{}, fmt.Errorf("rating: %w", err)
	}
	d, err := time.Parse(dateLayout, strings.TrimSpace(parts[2]))
	if err != nil {
		return rating{}, fmt.Errorf("date: %w", err)
	}
	day := uint32(d.Year()*10000 + int(d.Month())*100 + d.Day())
	return rating{user: uint32(user), day: day, rating: uint32(r)}, nil
}

func (r rating) encode(dst []byte) {
	binary.BigEndian.PutUint32(dst[0:4], r.user)
	binary.BigEndian.PutUint32(dst[4:8], r.day)
	binary.BigEndian.PutUint32(dst[8:12], r.rating)
}

func decodeRating(p []byte) rating {
	return rating{
		user:   binary.BigEndian.Uint32(p[0:4]),
		day:    binary.BigEndian.Uint32(p[4:8]),
		rating: binary.BigEndian.Uint32(p[8:12]),
	}
}

func formatDay(day uint32) string {
	return fmt.Sprintf("%04d-%02d-%02d", day/10000, day/100%100, day%100)
}

func compareUserDay(a, b record.Record) int {
	return bytes.Compare(a.Data[:8], b.Data[:8])
}

func partitionByUser(r record.Record, n int) int {
	return int(murmur3.Sum32(r.Data[:4]) % uint32(n))
}

func dumpRating(w io.Writer, rec record.Record) error {
	r := decodeRating(rec.Data)
	_, err := fmt.Fprintf(w, "user=%d date=%s rating=%d\n", r.user, formatDay(r.day), r.rating)
	return err
}

// Ratings declares parse -> summarize -> export. Raw "user,rating,date"
// lines are sorted by user and day, days with too many ratings are
// dropped, and each surviving user gets a summary line.
func Ratings(s *schedule.Scheduler, inputs schedule.SelectFunc, cfg RatingsConfig) {
	if cfg.MaxPerDay < 1 {
		cfg.MaxPerDay = 1
	}

	parse := s.AddTask("parse", 0).Runner(parseRatings)
	parse.Input("raw", inputs).Format(record.Lines())
	parse.Output("ratings", "summarize", 0.3, 0.3, schedule.Split).
		Format(record.Fixed(ratingSize)).
		Sort(compareUserDay).
		Partition(partitionByUser).
		Dump(dumpRating)

	summaryDest := ""
	if cfg.Export {
		summaryDest = "export"
	}
	s.AddTask("summarize", 0).Runner(summarize(cfg.MaxPerDay)).
		Output("summary", summaryDest, 0.1, 0.1, schedule.Keep).
		Format(record.Lines())

	if cfg.Export {
		s.AddTask("export", 0).Runner(exportSummaries(export.Config{Compression: cfg.ExportCompression}))
	}
}

func parseRatings(ctx context.Context, w *schedule.Worker) error {
	in, err := w.OpenInput("raw")
	if err != nil {
		return err
	}
	out, err := w.CreateOutput("ratings")
	if err != nil {
		return err
	}

	var skipped int64
	buf := make([]byte, ratingSize)
	for {
		rec, err := in.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if len(bytes.TrimSpace(rec.Data)) == 0 {
			continue
		}
		r, err := parseRating(rec.String())
		if err != nil {
			skipped++
			w.Log.Debug("skipping line", "line", in.Count(), "error", err)
			continue
		}
		r.encode(buf)
		if err := out.Write(buf); err != nil {
			return err
		}
	}
	if skipped > 0 {
		w.Log.Warn("skipped malformed lines", "count", skipped)
	}
	return out.Close()
}

// userAcc accumulates the days kept for one user.
type userAcc struct {
	user        uint32
	count, sum  int64
	first, last uint32
}

func (a *userAcc) add(r rating) {
	if a.count == 0 {
		a.user, a.first = r.user, r.day
	}
	a.count++
	a.sum += int64(r.rating)
	a.last = r.day
}

func summarize(maxPerDay int) schedule.RunnerFunc {
	return func(ctx context.Context, w *schedule.Worker) error {
		in, err := w.OpenInput("ratings")
		if err != nil {
			return err
		}
		out, err := w.CreateOutput("summary")
		if err != nil {
			return err
		}

		var acc userAcc
		flush := func() error {
			if acc.count == 0 {
				return nil
			}
			w.Buffer.Setf("%d,%d,%.3f,%s,%s", acc.user, acc.count,
				float64(acc.sum)/float64(acc.count), formatDay(acc.first), formatDay(acc.last))
			if err := w.Buffer.Err(); err != nil {
				return err
			}
			acc = userAcc{}
			return out.Write(w.Buffer.Bytes())
		}

		for {
			group, err := in.NextGroup(compareUserDay)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			if acc.count > 0 && acc.user != decodeRating(group[0].Data).user {
				if err := flush(); err != nil {
					return err
				}
			}
			if len(group) > maxPerDay {
				continue
			}
			for _, rec := range group {
				acc.add(decodeRating(rec.Data))
			}
		}
		if err := flush(); err != nil {
			return err
		}
		return out.Close()
	}
}

// parseSummary reads a summary line back into an export row.
func parseSummary(line string, now time.Time) (UserSummary, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 5 {
		return UserSummary{}, fmt.Errorf("summary %q: want 5 fields", line)
	}
	user, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return UserSummary{}, fmt.Errorf("summary %q: %w", line, err)
	}
	count, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return UserSummary{}, fmt.Errorf("summary %q: %w", line, err)
	}
	mean, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return UserSummary{}, fmt.Errorf("summary %q: %w", line, err)
	}
	return UserSummary{
		UserID:     user,
		Ratings:    count,
		MeanRating: mean,
		FirstDate:  parts[3],
		LastDate:   parts[4],
		ExportedAt: now,
	}, nil
}

// ParquetName is the file the export task writes for partition p.
func ParquetName(p int) string {
	return fmt.Sprintf("summary_%d.parquet", p)
}

func exportSummaries(cfg export.Config) schedule.RunnerFunc {
	return func(ctx context.Context, w *schedule.Worker) error {
		in, err := w.OpenInput("summary")
		if err != nil {
			return err
		}

		now := time.Now().UTC().Truncate(time.Millisecond)
		var rows []UserSummary
		for {
			rec, err := in.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			row, err := parseSummary(rec.String(), now)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}

		res, err := export.WriteFile(filepath.Join(w.Dir(), ParquetName(w.Partition)), rows, cfg)
		if err != nil {
			return err
		}
		w.Log.Info("exported summaries", "path", res.Path, "rows", res.Rows, "checksum", res.Checksum)
		return w.Publish(ctx, res.Path)
	}
}
