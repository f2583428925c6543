package dlp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/cortexd/internal/identity"
)

// Sample is one labelled document of a leakage corpus. PII maps a type name
// (email, card, ...) to the literal values present in Text.
type Sample struct {
	DocID string              `json:"doc_id"`
	Text  string              `json:"text"`
	PII   map[string][]string `json:"pii"`
}

// TypeStats counts labelled values of one type and how many survived.
type TypeStats struct {
	Total  int `json:"total"`
	Leaked int `json:"leaked"`
}

// Evaluation is the outcome of redacting a labelled corpus.
type Evaluation struct {
	Samples int                  `json:"samples"`
	Items   int                  `json:"items"`
	Leaked  int                  `json:"leaked"`
	ByType  map[string]TypeStats `json:"by_type"`
	// LeakedDocs lists the IDs of samples with at least one surviving value.
	LeakedDocs []string `json:"leaked_docs,omitempty"`
}

// LoadCorpus reads a JSON Lines corpus. Blank lines are skipped.
func LoadCorpus(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	var samples []Sample
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for line := 1; scanner.Scan(); line++ {
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var s Sample
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("corpus line %d: %w", line, err)
		}
		if s.DocID == "" {
			s.DocID = fmt.Sprintf("line-%d", line)
		}
		samples = append(samples, s)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read corpus: %w", err)
	}
	return samples, nil
}

// Evaluate redacts every sample for a standard caller and counts labelled
// values still present in the output. The kill switch is ignored.
func (r *Redactor) Evaluate(samples []Sample) *Evaluation {
	forced := *r
	forced.enabled = true

	ev := &Evaluation{Samples: len(samples), ByType: map[string]TypeStats{}}
	for _, s := range samples {
		out := forced.Redact(s.Text, identity.DLPStandard)
		leaked := false
		for typ, values := range s.PII {
			st := ev.ByType[typ]
			for _, v := range values {
				st.Total++
				ev.Items++
				if v != "" && strings.Contains(out, v) {
					st.Leaked++
					ev.Leaked++
					leaked = true
				}
			}
			ev.ByType[typ] = st
		}
		if leaked {
			ev.LeakedDocs = append(ev.LeakedDocs, s.DocID)
		}
	}
	sort.Strings(ev.LeakedDocs)
	return ev
}
