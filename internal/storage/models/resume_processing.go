package models

import (
	"time"

	"gorm.io/datatypes"
)

// ResumeProcessing 批次内单份简历的处理记录表
// 这是单份简历状态的权威来源；批次表只维护聚合计数。
type ResumeProcessing struct {
	ProcessingID     string `gorm:"type:char(36);primaryKey"`                   // 内部ID (UUIDv7)
	ExternalResumeID string `gorm:"type:varchar(32);uniqueIndex:idx_rp_external_id"` // 例如 RESUME_20250118_0001
	ResumeObjectID   string `gorm:"type:varchar(64);not null;index:idx_rp_resume_object_id"` // 上传文件元数据引用
	JobDescriptionID string `gorm:"type:varchar(64);not null;index:idx_rp_job_id"`
	BatchID          string `gorm:"type:varchar(32);not null;index:idx_rp_batch_id"`
	ResumeURL        string `gorm:"type:varchar(1024);not null"` // 冗余存储，保证工作进程独立重试

	// ---- 哈希与去重 ----
	// duplicateOf 仅是查找关系的指针，不构成所有权
	ResumeHash  *string `gorm:"type:char(64);index:idx_rp_dedup_lookup,priority:1"`
	JobHash     *string `gorm:"type:char(64);index:idx_rp_dedup_lookup,priority:2"`
	IsDuplicate bool    `gorm:"default:false"`
	DuplicateOf *string `gorm:"type:char(36)"`

	// ---- 流水线状态 ----
	Status         string `gorm:"type:varchar(20);default:'queued';index:idx_rp_dedup_lookup,priority:3;index:idx_rp_status"`
	BatchAccounted bool   `gorm:"default:false;index:idx_rp_batch_accounted"` // 幂等标志，false→true只发生一次
	Error          string `gorm:"type:text"`

	// ---- 排序结果（由工作进程写入）----
	PreFilter     datatypes.JSON `gorm:"type:json"` // {passed, similarity_score, reasons[]}
	FinalScore    *float64       `gorm:"type:double"`
	Rank          *int           `gorm:"type:int"`
	RankingStatus string         `gorm:"type:varchar(20);default:'pending'"`
	PassFail      string         `gorm:"type:varchar(10)"`
	Explanation   datatypes.JSON `gorm:"type:json"` // 结构化的评分决策说明
	ParsedResume  datatypes.JSON `gorm:"type:json"`

	// ---- 深度分析子状态 ----
	AnalysisStatus      string         `gorm:"type:varchar(20);default:'not_requested';index:idx_rp_analysis_status"`
	Analysis            datatypes.JSON `gorm:"type:json"` // 不透明的分析结果负载
	AnalysisError       string         `gorm:"type:text"`
	AnalysisRequestedAt *time.Time     `gorm:"type:datetime(6)"`
	AnalysisCompletedAt *time.Time     `gorm:"type:datetime(6)"`
	AnalysisRetryCount  int            `gorm:"default:0"`

	CreatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);index:idx_rp_created_at"`
	UpdatedAt time.Time `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime;index:idx_rp_updated_at"`
}

func (ResumeProcessing) TableName() string {
	return "resume_processings"
}
