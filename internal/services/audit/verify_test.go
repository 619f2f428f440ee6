package audit

import (
	"fmt"
	"testing"

	"frp-orchestrator/internal/domain/model"
	"frp-orchestrator/internal/platform/hash"
)

func chainedLogs() []model.AuditRecord {
	logs := []model.AuditRecord{
		{Transition: model.Transition{
			EventID: "evt_1", SessionID: "sess_1", DeviceSerial: "R58M123",
			MethodName: "adb_settings_reset", FromState: "pending", ToState: "preparing",
			OccurredAt: 1700000000,
		}},
		{Transition: model.Transition{
			EventID: "evt_2", SessionID: "sess_1", DeviceSerial: "R58M123",
			MethodName: "adb_settings_reset", FromState: "preparing", ToState: "executing",
			OccurredAt: 1700000001,
		}},
	}

	prev := ""
	for i := range logs {
		logs[i].ChainPrevHash = prev
		logs[i].ChainHash = hash.Text(
			prev,
			logs[i].SessionID,
			logs[i].DeviceSerial,
			logs[i].MethodName,
			logs[i].FromState,
			logs[i].ToState,
			logs[i].Detail,
			fmt.Sprintf("%d", logs[i].OccurredAt),
		)
		prev = logs[i].ChainHash
	}
	return logs
}

func TestVerifyAuditLogs_OK(t *testing.T) {
	res := VerifyAuditLogs(chainedLogs())
	if !res.OK {
		t.Fatalf("expected OK, got %+v", res)
	}
	if res.Total != 2 || res.Failed != 0 {
		t.Fatalf("unexpected counters: %+v", res)
	}
}

func TestVerifyAuditLogs_TamperedDetail(t *testing.T) {
	logs := chainedLogs()
	logs[1].Detail = "tampered"

	res := VerifyAuditLogs(logs)
	if res.OK {
		t.Fatalf("expected NOT OK")
	}
	if res.ChainHashFailed == 0 {
		t.Fatalf("expected chain hash mismatch, got %+v", res)
	}
}

func TestVerifyAuditLogs_BrokenLink(t *testing.T) {
	logs := chainedLogs()
	logs[1].ChainPrevHash = "deadbeef"

	res := VerifyAuditLogs(logs)
	if res.OK {
		t.Fatalf("expected NOT OK")
	}
	if res.PrevHashFailed != 1 {
		t.Fatalf("expected one prev hash failure, got %+v", res)
	}
	if len(res.Failures) != 1 || res.Failures[0].Index != 1 {
		t.Fatalf("unexpected failures: %+v", res.Failures)
	}
}
