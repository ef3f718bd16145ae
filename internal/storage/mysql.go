package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"resume-batch-go/internal/config"
	"resume-batch-go/internal/constants"
	"resume-batch-go/internal/storage/models"
	"resume-batch-go/internal/types"

	gomysql "github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var mysqlTracer = otel.Tracer("resume-batch-go/storage/mysql")

// GormTracingPlugin 是一个GORM插件，用于向OpenTelemetry中添加数据库操作的追踪点
type GormTracingPlugin struct {
	tracer trace.Tracer
	dbName string
}

// Name 返回插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

type gormSpanKey struct{}

// Initialize 注册GORM回调以启用追踪
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	registrations := []struct {
		op       string
		before   func(string, func(*gorm.DB)) error
		after    func(string, func(*gorm.DB)) error
	}{
		{"CREATE", func(n string, f func(*gorm.DB)) error { return cb.Create().Before("gorm:create").Register(n, f) },
			func(n string, f func(*gorm.DB)) error { return cb.Create().After("gorm:create").Register(n, f) }},
		{"SELECT", func(n string, f func(*gorm.DB)) error { return cb.Query().Before("gorm:query").Register(n, f) },
			func(n string, f func(*gorm.DB)) error { return cb.Query().After("gorm:query").Register(n, f) }},
		{"UPDATE", func(n string, f func(*gorm.DB)) error { return cb.Update().Before("gorm:update").Register(n, f) },
			func(n string, f func(*gorm.DB)) error { return cb.Update().After("gorm:update").Register(n, f) }},
		{"DELETE", func(n string, f func(*gorm.DB)) error { return cb.Delete().Before("gorm:delete").Register(n, f) },
			func(n string, f func(*gorm.DB)) error { return cb.Delete().After("gorm:delete").Register(n, f) }},
		{"RAW", func(n string, f func(*gorm.DB)) error { return cb.Raw().Before("gorm:raw").Register(n, f) },
			func(n string, f func(*gorm.DB)) error { return cb.Raw().After("gorm:raw").Register(n, f) }},
		{"ROW", func(n string, f func(*gorm.DB)) error { return cb.Row().Before("gorm:row").Register(n, f) },
			func(n string, f func(*gorm.DB)) error { return cb.Row().After("gorm:row").Register(n, f) }},
	}

	for _, reg := range registrations {
		if err := reg.before("otel:before_"+reg.op, p.before(reg.op)); err != nil {
			return err
		}
		if err := reg.after("otel:after_"+reg.op, p.after()); err != nil {
			return err
		}
	}
	return nil
}

// before 返回在GORM操作之前执行的回调函数
func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		spanName := fmt.Sprintf("%s %s", operation, tableName)
		newCtx, _ := p.tracer.Start(ctx, spanName,
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		)
		db.Statement.Context = context.WithValue(newCtx, gormSpanKey{}, trace.SpanFromContext(newCtx))
	}
}

// after 返回在GORM操作之后执行的回调函数
func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value(gormSpanKey{}).(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))

		if db.Error != nil {
			if errors.Is(db.Error, gorm.ErrRecordNotFound) {
				// ErrRecordNotFound 是业务逻辑正常情况的一部分，不应作为错误处理
				span.SetAttributes(attribute.String("error.type", "record_not_found"))
				span.SetStatus(codes.Ok, "record not found")
			} else {
				span.RecordError(db.Error)
				span.SetStatus(codes.Error, db.Error.Error())
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// NewGormTracingPlugin 创建一个新的GORM追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer: mysqlTracer,
		dbName: dbName,
	}
}

// MySQL 提供关系数据库功能
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	// 构建DSN，添加超时设置
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	var logLevel logger.LogLevel
	switch cfg.LogLevel {
	case 1:
		logLevel = logger.Silent
	case 2:
		logLevel = logger.Error
	case 3:
		logLevel = logger.Warn
	default:
		logLevel = logger.Info
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logLevel),
		PrepareStmt:                              true,
		NowFunc: func() time.Time {
			return time.Now().UTC() // 统一使用UTC，日期序列号按UTC日滚动
		},
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}

	// 设置连接池参数
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	m := &MySQL{
		db:  db,
		cfg: cfg,
	}

	// 注册OpenTelemetry追踪插件
	if err := db.Use(NewGormTracingPlugin(cfg.Database)); err != nil {
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	if err := m.autoMigrateSchema(); err != nil {
		if sqlDB, _ := db.DB(); sqlDB != nil {
			sqlDB.Close()
		}
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	log.Println("成功连接到MySQL并自动迁移数据库结构")
	return m, nil
}

// autoMigrateSchema 使用GORM自动迁移数据库表结构
func (m *MySQL) autoMigrateSchema() error {
	// 迁移期间关闭SQL日志打印
	silentLogger := logger.New(
		log.New(log.Writer(), "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	silentDB := m.db.Session(&gorm.Session{Logger: silentLogger})

	err := silentDB.AutoMigrate(
		&models.Batch{},
		&models.ResumeProcessing{},
	)
	if err != nil {
		return fmt.Errorf("GORM自动迁移失败: %w", err)
	}
	return nil
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// IsRetryableError 判断是否为可安全重试一次的锁竞争错误（死锁/锁等待超时）
func IsRetryableError(err error) bool {
	var mysqlErr *gomysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	return false
}

// CreateBatchWithProcessings 在一个事务中创建批次记录和全部处理记录。
// 任何一步失败都整体回滚，不会留下部分可见的"成功"状态。
func (m *MySQL) CreateBatchWithProcessings(ctx context.Context, batch *models.Batch, processings []*models.ResumeProcessing) error {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.CreateBatchWithProcessings",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("batch.id", batch.BatchID),
		attribute.Int("batch.size", len(processings)),
	)

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 主键冲突时执行无实际意义的更新，保证重复提交幂等
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "processing_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"processing_id"}),
		}).Create(&processings).Error; err != nil {
			return fmt.Errorf("批量创建处理记录失败: %w", err)
		}
		if err := tx.Create(batch).Error; err != nil {
			return fmt.Errorf("创建批次记录失败: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// GetBatch 通过批次ID获取批次记录
func (m *MySQL) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	var batch models.Batch
	if err := m.db.WithContext(ctx).Where("batch_id = ?", batchID).First(&batch).Error; err != nil {
		return nil, err
	}
	return &batch, nil
}

// GetProcessing 通过处理记录ID获取处理记录
func (m *MySQL) GetProcessing(ctx context.Context, processingID string) (*models.ResumeProcessing, error) {
	var rp models.ResumeProcessing
	if err := m.db.WithContext(ctx).Where("processing_id = ?", processingID).First(&rp).Error; err != nil {
		return nil, err
	}
	return &rp, nil
}

// ApplyCallbackResult 以单条语句原子地完成批次计数累加和终态判定。
// MySQL在同一条UPDATE中按赋值顺序使用已更新的列值，因此终态CASE看到的是
// 本次累加后的 processed_resumes / failed_resumes；行锁保证并发回调串行化。
// WHERE中的 processed_resumes < total_resumes 守卫使已满的批次不再被改动，
// 迟到或重复的回调走防御路径（applied=false），不会重复终态化或回退计数。
func (m *MySQL) ApplyCallbackResult(ctx context.Context, batchID string, completed bool) (bool, error) {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.ApplyCallbackResult",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("batch.id", batchID),
		attribute.Bool("callback.completed", completed),
	)

	completedInc := 0
	failedInc := 0
	if completed {
		completedInc = 1
	} else {
		failedInc = 1
	}

	result := m.db.WithContext(ctx).Exec(`
		UPDATE batches
		SET processed_resumes = processed_resumes + 1,
		    completed_resumes = completed_resumes + ?,
		    failed_resumes    = failed_resumes + ?,
		    status = CASE
		      WHEN processed_resumes >= total_resumes
		        THEN IF(failed_resumes > 0, ?, ?)
		      ELSE ?
		    END
		WHERE batch_id = ? AND processed_resumes < total_resumes`,
		completedInc, failedInc,
		constants.BatchStatusFailed, constants.BatchStatusCompleted, constants.BatchStatusProcessing,
		batchID,
	)
	if result.Error != nil {
		span.RecordError(result.Error)
		span.SetStatus(codes.Error, result.Error.Error())
		return false, result.Error
	}

	span.SetAttributes(attribute.Int64("db.rows_affected", result.RowsAffected))
	span.SetStatus(codes.Ok, "")
	return result.RowsAffected > 0, nil
}

// MarkBatchAccounted 设置处理记录的batchAccounted幂等标志。
// 只有在批次计数持久化之后才会调用；false→true的条件更新保证标志只翻转一次。
func (m *MySQL) MarkBatchAccounted(ctx context.Context, processingID string) (bool, error) {
	result := m.db.WithContext(ctx).Model(&models.ResumeProcessing{}).
		Where("processing_id = ? AND batch_accounted = ?", processingID, false).
		Update("batch_accounted", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListJobResumes 分页查询岗位下的处理记录。
// 常规视图按rank升序（缺失rank的记录以哨兵值排在所有已排名记录之后），
// 创建时间升序打破平局；过滤淘汰简历时rank无意义，改按创建时间倒序。
func (m *MySQL) ListJobResumes(ctx context.Context, jobID string, q types.JobResumesQuery) ([]models.ResumeProcessing, int64, error) {
	db := m.db.WithContext(ctx).Model(&models.ResumeProcessing{}).
		Where("job_description_id = ?", jobID)

	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.PassFail != "" {
		db = db.Where("pass_fail = ?", q.PassFail)
	}

	var total int64
	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if q.PassFail == constants.PassFailFailed {
		db = db.Order("created_at DESC")
	} else {
		db = db.Order(fmt.Sprintf("COALESCE(`rank`, %d) ASC, created_at ASC", constants.UnrankedSentinel))
	}

	page := q.Page
	if page < 1 {
		page = 1
	}
	limit := q.Limit
	if limit < 1 {
		limit = 20
	}

	var items []models.ResumeProcessing
	if err := db.Offset((page - 1) * limit).Limit(limit).Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListJobUpdates 查询岗位下updatedAt晚于since的记录投影，按updatedAt升序
func (m *MySQL) ListJobUpdates(ctx context.Context, jobID string, since *time.Time) ([]types.ResumeDelta, error) {
	db := m.db.WithContext(ctx).Model(&models.ResumeProcessing{}).
		Where("job_description_id = ?", jobID)
	if since != nil {
		db = db.Where("updated_at > ?", *since)
	}

	var rows []models.ResumeProcessing
	if err := db.
		Select([]string{"processing_id", "external_resume_id", "status", "ranking_status",
			"pass_fail", "`rank`", "final_score", "analysis_status", "updated_at"}).
		Order("updated_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}

	deltas := make([]types.ResumeDelta, len(rows))
	for i, row := range rows {
		deltas[i] = types.ResumeDelta{
			ProcessingID:     row.ProcessingID,
			ExternalResumeID: row.ExternalResumeID,
			Status:           row.Status,
			RankingStatus:    row.RankingStatus,
			PassFail:         row.PassFail,
			Rank:             row.Rank,
			FinalScore:       row.FinalScore,
			AnalysisStatus:   row.AnalysisStatus,
			UpdatedAt:        row.UpdatedAt,
		}
	}
	return deltas, nil
}

// TransitionAnalysisStatus 在from状态守卫下把分析子状态迁移到queued。
// 返回false表示守卫未命中（并发请求者已抢先迁移），调用方应重新读取状态。
func (m *MySQL) TransitionAnalysisStatus(ctx context.Context, processingID string, from string, requestedAt time.Time) (bool, error) {
	result := m.db.WithContext(ctx).Model(&models.ResumeProcessing{}).
		Where("processing_id = ? AND analysis_status = ?", processingID, from).
		Updates(map[string]interface{}{
			"analysis_status":       constants.AnalysisStatusQueued,
			"analysis_requested_at": requestedAt,
			"analysis_error":        "",
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// UpdateProcessingFields 更新处理记录的多个字段
func (m *MySQL) UpdateProcessingFields(ctx context.Context, processingID string, updates map[string]interface{}) (bool, error) {
	if len(updates) == 0 {
		return true, nil
	}
	result := m.db.WithContext(ctx).Model(&models.ResumeProcessing{}).
		Where("processing_id = ?", processingID).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// FindDuplicateCandidate 通过去重复合索引查找同哈希对的已完成记录。
// 未找到时返回nil而不是错误，去重缺失不是异常路径。
func (m *MySQL) FindDuplicateCandidate(ctx context.Context, resumeHash, jobHash, excludeProcessingID string) (*models.ResumeProcessing, error) {
	var rp models.ResumeProcessing
	err := m.db.WithContext(ctx).
		Where("resume_hash = ? AND job_hash = ? AND status = ? AND processing_id <> ?",
			resumeHash, jobHash, constants.ProcessingStatusCompleted, excludeProcessingID).
		Order("created_at ASC").
		First(&rp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rp, nil
}

// FindStuckProcessingTasks 捞取卡在queued状态超过stuckTimeout的处理记录，
// 供补偿扫描重发任务使用。FOR UPDATE SKIP LOCKED 跳过其他实例正在处理的行，
// 因此服务可以水平扩展而不会重复扫描同一批记录。
func (m *MySQL) FindStuckProcessingTasks(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]models.ResumeProcessing, error) {
	var rows []models.ResumeProcessing
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND batch_accounted = ? AND updated_at < ?",
			constants.ProcessingStatusQueued, false, cutoff).
		Order("updated_at asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// FindStuckAnalysisTasks 捞取分析子状态卡在queued超时的记录
func (m *MySQL) FindStuckAnalysisTasks(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]models.ResumeProcessing, error) {
	var rows []models.ResumeProcessing
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("analysis_status = ? AND analysis_requested_at < ?",
			constants.AnalysisStatusQueued, cutoff).
		Order("analysis_requested_at asc").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
