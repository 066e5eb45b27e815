package jobs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"

	"github.com/withObsrvr/obsrvr-sortflow/internal/buffer"
	"github.com/withObsrvr/obsrvr-sortflow/internal/record"
	"github.com/withObsrvr/obsrvr-sortflow/internal/schedule"
)

// Token counts travel as "<token>\t<count>".

func tokenOf(r record.Record) []byte {
	if i := bytes.LastIndexByte(r.Data, '\t'); i >= 0 {
		return r.Data[:i]
	}
	return r.Data
}

func countOf(r record.Record) int64 {
	i := bytes.LastIndexByte(r.Data, '\t')
	if i < 0 {
		return 1
	}
	n, err := strconv.ParseInt(string(r.Data[i+1:]), 10, 64)
	if err != nil {
		return 1
	}
	return n
}

func compareToken(a, b record.Record) int {
	return bytes.Compare(tokenOf(a), tokenOf(b))
}

func partitionByToken(r record.Record, n int) int {
	return record.HashPartition(record.Record{Data: tokenOf(r)}, n)
}

func sumCounts(out *record.Record, group []record.Record, scratch *buffer.Buffer) bool {
	var total int64
	for _, r := range group {
		total += countOf(r)
	}
	scratch.Set(tokenOf(group[0]))
	scratch.AppendByte('\t')
	scratch.AppendString(strconv.FormatInt(total, 10))
	out.Data = scratch.Bytes()
	return true
}

// Tokens declares tokenize -> count: a word count where each tokenizer
// pre-sums its own batches before the counts are merged per token.
func Tokens(s *schedule.Scheduler, inputs schedule.SelectFunc) {
	tok := s.AddTask("tokenize", 0).Runner(tokenize)
	tok.Input("text", inputs).Format(record.Lines())
	tok.Output("tokens.zst", "count", 0.4, 0.2, schedule.Split).
		Format(record.Lines()).
		Sort(compareToken).
		IntermediateReduce(sumCounts).
		Reduce(sumCounts).
		Partition(partitionByToken)

	s.AddTask("count", 0).Runner(countTokens).
		Output("counts", "", 0.3, 0, schedule.Keep).
		Format(record.Lines())
}

func tokenize(ctx context.Context, w *schedule.Worker) error {
	in, err := w.OpenInput("text")
	if err != nil {
		return err
	}
	out, err := w.CreateOutput("tokens.zst")
	if err != nil {
		return err
	}
	for {
		rec, err := in.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		for _, tok := range bytes.Fields(rec.Data) {
			// tabs are field separators, so Fields never leaves one in tok
			w.Buffer.Set(bytes.ToLower(tok))
			w.Buffer.AppendString("\t1")
			if err := w.Buffer.Err(); err != nil {
				return err
			}
			if err := out.Write(w.Buffer.Bytes()); err != nil {
				return err
			}
		}
	}
	return out.Close()
}

func countTokens(ctx context.Context, w *schedule.Worker) error {
	in, err := w.OpenInput("tokens.zst")
	if err != nil {
		return err
	}
	out, err := w.CreateOutput("counts")
	if err != nil {
		return err
	}
	scratch := buffer.New(64)
	for {
		group, err := in.NextGroup(compareToken)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		var rec record.Record
		sumCounts(&rec, group, scratch)
		if err := out.WriteRecord(rec); err != nil {
			return err
		}
	}
	return out.Close()
}
