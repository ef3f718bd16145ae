package constants

import "time"

const (
	// 批次与简历外部ID的前缀，格式: BATCH_20250118_0001 / RESUME_20250118_0001
	BatchIDPrefix  = "BATCH"
	ResumeIDPrefix = "RESUME"

	// CounterDateLayout 计数器Key使用的UTC日期格式
	CounterDateLayout = "20060102"
	// CounterKeyTTL 日期计数器Key的过期时间，跨天后旧Key不再被引用
	CounterKeyTTL = 72 * time.Hour

	// 批次处理状态
	BatchStatusQueued     = "queued"
	BatchStatusProcessing = "processing"
	BatchStatusCompleted  = "completed"
	BatchStatusFailed     = "failed"

	// 单份简历处理记录的流水线状态
	ProcessingStatusQueued        = "queued"
	ProcessingStatusProcessing    = "processing"
	ProcessingStatusTextExtracted = "textExtracted"
	ProcessingStatusNormalized    = "normalized"
	ProcessingStatusDedupChecked  = "dedupChecked"
	ProcessingStatusCompleted     = "completed"
	ProcessingStatusFailed        = "failed"

	// 深度分析子状态机
	AnalysisStatusNotRequested = "not_requested"
	AnalysisStatusQueued       = "queued"
	AnalysisStatusProcessing   = "processing"
	AnalysisStatusCompleted    = "completed"
	AnalysisStatusFailed       = "failed"

	// 排序相关状态
	RankingStatusPending   = "pending"
	RankingStatusCompleted = "completed"
	RankingStatusSkipped   = "skipped"
	PassFailPassed         = "passed"
	PassFailFailed         = "failed"

	// UnrankedSentinel 未产生rank的记录在排序时使用的哨兵值，保证排在所有已排名记录之后
	UnrankedSentinel = 2147483647
)
