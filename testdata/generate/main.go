// Command generate writes signed sample webhook deliveries under
// testdata/webhooks: one .json body and matching .sig per delivery, plus
// replay.jsonl with every body in delivery order.
//
// Bodies reference the charge ids passed with -charges (for example ids
// issued by a dev-mode server); without them synthetic ids are used and
// every delivery is reported as an unknown charge.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/feezero/payments/internal/webhook"
)

type timelineEntry struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

type chargeData struct {
	ID       string            `json:"id"`
	Code     string            `json:"code"`
	Pricing  map[string]money  `json:"pricing"`
	Metadata map[string]string `json:"metadata"`
	Timeline []timelineEntry   `json:"timeline"`
}

type money struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

type bareEvent struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"`
	CreatedAt string     `json:"created_at"`
	Data      chargeData `json:"data"`
}

// envelope mirrors a real Coinbase delivery.
type envelope struct {
	ID           int       `json:"id"`
	ScheduledFor string    `json:"scheduled_for"`
	Event        bareEvent `json:"event"`
}

type step struct {
	typ    string
	status string
}

// Scenarios cover the delivery patterns the processor has to absorb.
var scenarios = map[string][]step{
	"happy":        {{"charge:created", "NEW"}, {"charge:pending", "PENDING"}, {"charge:confirmed", "COMPLETED"}},
	"failed":       {{"charge:created", "NEW"}, {"charge:failed", "EXPIRED"}},
	"out_of_order": {{"charge:confirmed", "COMPLETED"}, {"charge:pending", "PENDING"}},
	"delayed":      {{"charge:pending", "PENDING"}, {"charge:delayed", "UNRESOLVED"}, {"charge:resolved", "RESOLVED"}},
	"unknown_type": {{"charge:pending", "PENDING"}, {"charge:refunded", "REFUNDED"}},
}

var scenarioOrder = []string{"happy", "failed", "out_of_order", "delayed", "unknown_type"}

type delivery struct {
	name string
	body []byte
}

func main() {
	secret := flag.String("secret", envOr("FEEZERO_COINBASE_WEBHOOK_SECRET", "whsec_test"), "webhook shared secret")
	charges := flag.String("charges", "", "comma separated charge ids to reference")
	count := flag.Int("n", 10, "number of synthetic charges when -charges is empty")
	out := flag.String("out", filepath.Join(findTestdataDir(), "webhooks"), "output directory")
	flag.Parse()

	rng := rand.New(rand.NewSource(42))
	ids := splitIDs(*charges)
	if len(ids) == 0 {
		for i := 1; i <= *count; i++ {
			ids = append(ids, fmt.Sprintf("SAMPLE-CHG-%03d", i))
		}
	}

	if err := os.MkdirAll(*out, 0o755); err != nil {
		panic(err)
	}

	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var deliveries []delivery
	for i, id := range ids {
		name := scenarioOrder[rng.Intn(len(scenarioOrder))]
		issued := start.Add(time.Duration(i) * 7 * time.Minute)
		deliveries = append(deliveries, buildScenario(rng, id, i, name, issued)...)
	}

	// One delivery for a charge nobody issued.
	deliveries = append(deliveries, delivery{
		name: "unknown_charge",
		body: mustMarshal(bareEvent{
			ID:        "evt-unknown-charge",
			Type:      "charge:confirmed",
			CreatedAt: start.Format(time.RFC3339),
			Data:      chargeData{ID: "C999", Code: "UNKNOWN", Timeline: []timelineEntry{{"COMPLETED", start.Format(time.RFC3339)}}},
		}),
	})

	var jsonl strings.Builder
	jsonl.WriteString("# generated by testdata/generate; bodies in delivery order\n")
	for i, d := range deliveries {
		base := filepath.Join(*out, fmt.Sprintf("%03d_%s", i+1, d.name))
		writeFile(base+".json", d.body)
		writeFile(base+".sig", []byte(webhook.Sign(d.body, []byte(*secret))+"\n"))
		jsonl.Write(d.body)
		jsonl.WriteByte('\n')
	}
	writeFile(filepath.Join(*out, "replay.jsonl"), []byte(jsonl.String()))

	fmt.Printf("Generated %d deliveries for %d charges -> %s\n", len(deliveries), len(ids), *out)
}

func buildScenario(rng *rand.Rand, chargeID string, n int, name string, issued time.Time) []delivery {
	steps := scenarios[name]
	code := fmt.Sprintf("FZ%06d", rng.Intn(1_000_000))
	amount := money{Amount: fmt.Sprintf("%d.00", 10*(1+rng.Intn(50))), Currency: "USD"}

	var (
		timeline []timelineEntry
		out      []delivery
	)
	at := issued
	for i, s := range steps {
		at = at.Add(time.Duration(1+rng.Intn(5)) * time.Minute)
		timeline = append(timeline, timelineEntry{Status: s.status, Time: at.Format(time.RFC3339)})

		event := bareEvent{
			ID:        fmt.Sprintf("evt-%s-%d", strings.ToLower(chargeID), i+1),
			Type:      s.typ,
			CreatedAt: at.Format(time.RFC3339),
			Data: chargeData{
				ID:      chargeID,
				Code:    code,
				Pricing: map[string]money{"local": amount},
				Metadata: map[string]string{
					"project_id": fmt.Sprintf("P%03d", n+1),
					"user_id":    fmt.Sprintf("U%03d", n+1),
					"platform":   "feezero",
				},
				Timeline: append([]timelineEntry(nil), timeline...),
			},
		}

		var body []byte
		if rng.Intn(2) == 0 {
			body = mustMarshal(event)
		} else {
			body = mustMarshal(envelope{
				ID:           rng.Intn(1_000_000),
				ScheduledFor: at.Format(time.RFC3339),
				Event:        event,
			})
		}
		out = append(out, delivery{name: name, body: body})

		// Providers redeliver; roughly one event in four arrives twice.
		if rng.Intn(4) == 0 {
			out = append(out, delivery{name: name + "_redelivery", body: body})
		}
	}
	return out
}

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func writeFile(path string, data []byte) {
	if err := os.WriteFile(path, data, 0o644); err != nil {
		panic(err)
	}
}

func splitIDs(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func findTestdataDir() string {
	for _, c := range []string{"testdata", "../testdata", "../../testdata"} {
		if info, err := os.Stat(c); err == nil && info.IsDir() {
			return c
		}
	}
	return "testdata"
}
