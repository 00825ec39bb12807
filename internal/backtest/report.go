package backtest

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	jsoniter "github.com/json-iterator/go"
)

var fastJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// WriteReport 把回测结果落盘为 JSON 汇总与 CSV 成交明细。
// 文件名形如 walk_<mode>_<unix>.json / .csv，返回两个路径。
func WriteReport(dir string, report Report) (jsonPath, csvPath string, err error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("backtest: 创建报告目录失败: %w", err)
	}

	stamp := report.GeneratedAt.Unix()
	base := fmt.Sprintf("walk_%s_%d", report.Mode, stamp)
	jsonPath = filepath.Join(dir, base+".json")
	csvPath = filepath.Join(dir, base+".csv")

	payload, err := fastJSON.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("backtest: 序列化报告失败: %w", err)
	}
	if err := os.WriteFile(jsonPath, payload, 0o644); err != nil {
		return "", "", fmt.Errorf("backtest: 写入 JSON 报告失败: %w", err)
	}

	f, err := os.Create(csvPath)
	if err != nil {
		return "", "", fmt.Errorf("backtest: 创建 CSV 报告失败: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{"index", "timestamp", "action", "result", "bars", "pnl_gross", "pnl_net", "equity"}
	if err := w.Write(header); err != nil {
		return "", "", fmt.Errorf("backtest: 写入 CSV 表头失败: %w", err)
	}

	for _, entry := range report.TradeLog {
		row := []string{
			strconv.Itoa(entry.Index),
			entry.Timestamp,
			entry.Action,
			entry.Result,
			strconv.Itoa(entry.Bars),
			strconv.FormatFloat(entry.PnLGross, 'f', 8, 64),
			strconv.FormatFloat(entry.PnLNet, 'f', 8, 64),
			strconv.FormatFloat(entry.Equity, 'f', 8, 64),
		}
		if err := w.Write(row); err != nil {
			return "", "", fmt.Errorf("backtest: 写入 CSV 行失败: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", "", fmt.Errorf("backtest: 刷新 CSV 失败: %w", err)
	}

	return jsonPath, csvPath, nil
}
