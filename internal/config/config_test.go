package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("无配置文件时应回退默认值: %v", err)
	}

	if cfg.Pricing.MinPrice != 25 || cfg.Pricing.MaxPrice != 150 {
		t.Fatalf("默认价格区间不正确: %+v", cfg.Pricing)
	}
	if cfg.Pricing.MaxAdjustmentFactor != 1.05 || cfg.Pricing.MinAdjustmentFactor != 0.95 {
		t.Fatalf("默认调价系数不正确: %+v", cfg.Pricing)
	}
	if cfg.Experiment.BatchSize != 2 || cfg.Experiment.TestDuration != 72*time.Hour {
		t.Fatalf("默认实验参数不正确: %+v", cfg.Experiment)
	}
	if cfg.Scheduler.HourlyInterval != time.Hour || !cfg.Scheduler.AlignToBucket {
		t.Fatalf("默认调度参数不正确: %+v", cfg.Scheduler)
	}
	if cfg.Promotion.FlashDiscountPct != 25 || cfg.Promotion.FlashDurationHours != 3 {
		t.Fatalf("默认促销参数不正确: %+v", cfg.Promotion)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
pricing:
  min_price: 10
  max_price: 200
experiment:
  test_duration: 48h
alerting:
  telegram:
    enabled: true
    bot_token: token
    chat_id: chat
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load 不应报错: %v", err)
	}
	if cfg.Pricing.MinPrice != 10 || cfg.Pricing.MaxPrice != 200 {
		t.Fatalf("文件值应覆盖默认值: %+v", cfg.Pricing)
	}
	if cfg.Experiment.TestDuration != 48*time.Hour {
		t.Fatalf("时长字符串应解析为 Duration: %v", cfg.Experiment.TestDuration)
	}
	// Untouched sections keep their defaults.
	if cfg.Experiment.BatchSize != 2 {
		t.Fatalf("未覆盖的默认值应保留: %+v", cfg.Experiment)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("加载默认配置失败: %v", err)
		}
		return cfg
	}

	cfg := base()
	cfg.Pricing.MinPrice = 200
	if err := cfg.Validate(); err == nil {
		t.Fatal("min_price >= max_price 应校验失败")
	}

	cfg = base()
	cfg.Pricing.MaxAdjustmentFactor = 0.9
	if err := cfg.Validate(); err == nil {
		t.Fatal("max_adjustment_factor <= 1 应校验失败")
	}

	cfg = base()
	cfg.Promotion.FlashDiscountPct = 95
	if err := cfg.Validate(); err == nil {
		t.Fatal("折扣超过 90 应校验失败")
	}

	cfg = base()
	cfg.Alerting.Telegram.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("启用 Telegram 但缺少 bot_token 应校验失败")
	}
}

func TestResolveMaxPoints(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("加载默认配置失败: %v", err)
	}
	if got := cfg.ResolveMaxPoints(0); got != 100000 {
		t.Fatalf("无覆盖时应返回配置默认值, 实际 %d", got)
	}
	if got := cfg.ResolveMaxPoints(500); got != 500 {
		t.Fatalf("CLI 覆盖应优先, 实际 %d", got)
	}
}
