package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// BatchResumeRef 批次成员引用，创建批次时一次性写入，之后不再变更。
// 单份简历的权威状态在 ResumeProcessing 记录上，批次只保留聚合计数和引用列表。
type BatchResumeRef struct {
	ResumeObjectID     string `json:"resume_object_id"`
	ResumeURL          string `json:"resume_url"`
	ResumeProcessingID string `json:"resume_processing_id"`
	ExternalResumeID   string `json:"external_resume_id"`
}

// Batch 批次表
type Batch struct {
	BatchID          string         `gorm:"type:varchar(32);primaryKey"` // 例如 BATCH_20250118_0001
	JobID            string         `gorm:"type:varchar(64);not null;index:idx_batches_job_id"`
	Resumes          datatypes.JSON `gorm:"type:json"` // []BatchResumeRef，有序
	TotalResumes     int            `gorm:"not null"`
	ProcessedResumes int            `gorm:"not null;default:0"`
	CompletedResumes int            `gorm:"not null;default:0"`
	FailedResumes    int            `gorm:"not null;default:0"`
	SizeBytes        int64          `gorm:"not null;default:0"`
	Status           string         `gorm:"type:varchar(20);default:'queued';index:idx_batches_status"`
	Error            string         `gorm:"type:text"`
	CreatedAt        time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6)"`
	UpdatedAt        time.Time      `gorm:"type:datetime(6);default:CURRENT_TIMESTAMP(6);autoUpdateTime"`
}

func (Batch) TableName() string {
	return "batches"
}

// ResumeRefs 反序列化批次成员引用列表
func (b *Batch) ResumeRefs() ([]BatchResumeRef, error) {
	if len(b.Resumes) == 0 {
		return nil, nil
	}
	var refs []BatchResumeRef
	if err := json.Unmarshal(b.Resumes, &refs); err != nil {
		return nil, err
	}
	return refs, nil
}

// SetResumeRefs 序列化并写入批次成员引用列表
func (b *Batch) SetResumeRefs(refs []BatchResumeRef) error {
	data, err := json.Marshal(refs)
	if err != nil {
		return err
	}
	b.Resumes = data
	return nil
}
