package app

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"listing-optimizer/internal/storage"
)

func TestDownsampleActions(t *testing.T) {
	actions := make([]storage.ActionRecord, 10)
	for i := range actions {
		actions[i] = storage.ActionRecord{ID: int64(i)}
	}

	got := downsampleActions(actions, 4)
	if len(got) != 4 {
		t.Fatalf("期望 4 条, 实际 %d", len(got))
	}
	if got[0].ID != 0 || got[len(got)-1].ID != 9 {
		t.Fatalf("首尾记录应保留: %d..%d", got[0].ID, got[len(got)-1].ID)
	}

	if got := downsampleActions(actions, 20); len(got) != 10 {
		t.Fatalf("上限大于总量时不应下采样, 实际 %d", len(got))
	}
	if got := downsampleActions(actions, 0); len(got) != 10 {
		t.Fatalf("max=0 表示不限制, 实际 %d", len(got))
	}
}

func TestWriteActionsCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out", "actions.csv")

	actions := []storage.ActionRecord{
		{Type: storage.ActionPriceIncrease, ListingID: "l1", Before: "100", After: "105", CreatedAt: time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC)},
		{Type: storage.ActionApplyPromotion, ListingID: "l2", Before: "80", After: "60", CreatedAt: time.Date(2025, 3, 3, 13, 0, 0, 0, time.UTC)},
	}
	if err := writeActionsCSV(path, actions); err != nil {
		t.Fatalf("写 CSV 失败: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("打开 CSV 失败: %v", err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatalf("读 CSV 失败: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("期望表头加 2 行数据, 实际 %d 行", len(rows))
	}
	if rows[0][0] != "created_at" {
		t.Fatalf("表头不正确: %v", rows[0])
	}
	if rows[1][1] != storage.ActionPriceIncrease || rows[1][2] != "l1" {
		t.Fatalf("数据行不正确: %v", rows[1])
	}
}

func TestWriteActionsPNGNeedsPriceActions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chart.png")

	// Content actions carry no numeric prices, so there is nothing to chart.
	actions := []storage.ActionRecord{
		{Type: storage.ActionImproveContent, Before: "Old", After: "New", CreatedAt: time.Now()},
	}
	if err := writeActionsPNG(path, actions); err == nil {
		t.Fatal("无价格动作时应报错")
	}
}
