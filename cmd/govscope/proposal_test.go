package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestReportExported(t *testing.T) {
	input := strings.Join([]string{
		`{"id":"0x01","title":"grant","stage":"Queued","stakesFor":"100","stakesAgainst":"200","threshold":"1.5","contributionReward":{"beneficiary":"0xabc","ethReward":"5"}}`,
		``,
		`{"id":"0x02","stage":"PreBoosted","stakesFor":"300","stakesAgainst":"100","threshold":"2"}`,
		`not json`,
		`{"id":"0x03","stage":"Queued","genericScheme":{"value":"1"},"schemeRegistrar":{"schemeToRegister":"0xdef"}}`,
	}, "\n")

	var out bytes.Buffer
	if err := reportExported(strings.NewReader(input), &out, zap.NewNop()); err != nil {
		t.Fatalf("report: %v", err)
	}

	var reports []proposalReport
	decoder := json.NewDecoder(&out)
	for decoder.More() {
		var report proposalReport
		if err := decoder.Decode(&report); err != nil {
			t.Fatalf("decode report: %v", err)
		}
		reports = append(reports, report)
	}
	if len(reports) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(reports))
	}

	if reports[0].Kind != "contribution_reward" || reports[0].UpstakeNeeded != "200" || reports[0].DownstakeNeeded != "0" {
		t.Fatalf("queued report mismatch: %+v", reports[0])
	}
	if reports[1].Kind != "plain" || reports[1].UpstakeNeeded != "0" || reports[1].DownstakeNeeded != "50" {
		t.Fatalf("pre-boosted report mismatch: %+v", reports[1])
	}
	if reports[2].ID != "0x03" || !strings.Contains(reports[2].Error, "ambiguous") {
		t.Fatalf("ambiguous report mismatch: %+v", reports[2])
	}
}
