package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"registry-licensing-system/internal/model"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// LedgerMirror 台账变更的外部镜像
type LedgerMirror interface {
	SyncEntry(ctx context.Context, entry model.LedgerEntry) error
	BatchSyncEntries(ctx context.Context, entries []model.LedgerEntry) error
}

// SheetSyncService 把许可证台账同步到 Google Sheet，方便运营查看
type SheetSyncService struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	logger        *zap.Logger
}

// NewSheetSyncService 未启用时返回 nil，nil 的 *SheetSyncService 上所有方法都是空操作
func NewSheetSyncService(ctx context.Context, enableSync bool, credentialPath, spreadsheetID, sheetName string, log *zap.Logger) (*SheetSyncService, error) {
	if !enableSync {
		return nil, nil
	}
	if log == nil {
		log = zap.NewNop()
	}

	b, err := os.ReadFile(credentialPath)
	if err != nil {
		return nil, fmt.Errorf("读取凭证文件失败: %w", err)
	}

	// 使用服务账号授权
	creds, err := google.CredentialsFromJSON(ctx, b, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("无法加载凭证: %w", err)
	}

	srv, err := sheets.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, err
	}

	return &SheetSyncService{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		logger:        log.With(zap.String("spreadsheet_id", spreadsheetID), zap.String("sheet", sheetName)),
	}, nil
}

// SyncEntry 按许可证密钥更新已有行，没有则追加
func (s *SheetSyncService) SyncEntry(ctx context.Context, entry model.LedgerEntry) error {
	if s == nil {
		return nil
	}

	keyResp, err := s.service.Spreadsheets.Values.
		Get(s.spreadsheetID, fmt.Sprintf("%s!A2:A", s.sheetName)).
		Context(ctx).Do()
	if err != nil {
		s.logger.Error("查询Sheet数据失败", zap.Error(err))
		return fmt.Errorf("查询Sheet数据失败: %w", err)
	}

	rowIndex := 0
	for i, row := range keyResp.Values {
		if len(row) > 0 && row[0] == entry.LicenseKey {
			rowIndex = i + 2 // 数据从第 2 行开始
			break
		}
	}

	values := &sheets.ValueRange{Values: [][]interface{}{entryRow(entry)}}
	if rowIndex > 0 {
		_, err = s.service.Spreadsheets.Values.Update(
			s.spreadsheetID,
			fmt.Sprintf("%s!A%d:H%d", s.sheetName, rowIndex, rowIndex),
			values,
		).ValueInputOption("USER_ENTERED").Context(ctx).Do()
	} else {
		_, err = s.service.Spreadsheets.Values.Append(
			s.spreadsheetID,
			s.sheetName+"!A2:H",
			values,
		).ValueInputOption("USER_ENTERED").Context(ctx).Do()
	}
	if err != nil {
		s.logger.Error("同步到Google Sheet失败", zap.String("license_key", entry.LicenseKey), zap.Error(err))
		return fmt.Errorf("同步到Google Sheet失败: %w", err)
	}

	s.logger.Info("已同步许可证到Google Sheet", zap.String("license_key", entry.LicenseKey))
	return nil
}

// BatchSyncEntries 新生成的许可证直接追加
func (s *SheetSyncService) BatchSyncEntries(ctx context.Context, entries []model.LedgerEntry) error {
	if s == nil || len(entries) == 0 {
		return nil
	}

	values := make([][]interface{}, 0, len(entries))
	for _, entry := range entries {
		values = append(values, entryRow(entry))
	}

	_, err := s.service.Spreadsheets.Values.Append(
		s.spreadsheetID,
		s.sheetName+"!A2:H",
		&sheets.ValueRange{Values: values},
	).ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		s.logger.Error("批量同步许可证失败", zap.Int("count", len(entries)), zap.Error(err))
		return err
	}
	return nil
}

func entryRow(e model.LedgerEntry) []interface{} {
	return []interface{}{
		e.LicenseKey,
		e.TenantID,
		string(e.Plan),
		string(e.PeriodType),
		string(e.Status),
		e.GeneratedAt.Format(time.RFC3339),
		formatOptionalTime(e.ActivatedAt),
		formatOptionalTime(e.ExpiresAt),
	}
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
