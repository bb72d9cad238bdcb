package reconciliation

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/feezero/payments/internal/domain"
	"github.com/feezero/payments/internal/webhook"
)

const maxReplayLine = 1 << 20

// ReplayResult summarises a replayed batch of webhook bodies.
type ReplayResult struct {
	Events     int `json:"events"`
	Applied    int `json:"applied"`
	Recorded   int `json:"recorded"`
	Duplicates int `json:"duplicates"`
	Ignored    int `json:"ignored"`
	Malformed  int `json:"malformed"`
}

// Replay feeds captured webhook bodies, one JSON document per line, through
// the processor. Bodies are trusted: this is an operator path and does not
// check signatures. Malformed lines are counted and skipped; a storage
// error stops the replay.
func (p *Processor) Replay(ctx context.Context, r io.Reader) (*ReplayResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxReplayLine)

	result := &ReplayResult{}
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		event, err := webhook.Parse(line)
		if err != nil {
			result.Malformed++
			p.logger.Warn("skipping malformed replay line", "line", lineNum, "error", err)
			continue
		}
		result.Events++

		res, err := p.process(ctx, event, domain.SourceReplay)
		if err != nil {
			return result, fmt.Errorf("line %d: %w", lineNum, err)
		}
		switch res.Outcome {
		case OutcomeApplied:
			result.Applied++
		case OutcomeRecorded:
			result.Recorded++
		case OutcomeDuplicate:
			result.Duplicates++
		case OutcomeIgnored:
			result.Ignored++
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("read replay input: %w", err)
	}

	p.logger.Info("replay finished",
		"events", result.Events,
		"applied", result.Applied,
		"recorded", result.Recorded,
		"duplicates", result.Duplicates,
		"ignored", result.Ignored,
		"malformed", result.Malformed,
	)
	return result, nil
}
