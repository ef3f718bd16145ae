package types

import (
	"encoding/json"
	"time"
)

// ResumeInput 创建批次时提交的单份简历
type ResumeInput struct {
	ResumeObjectID string `json:"resume_object_id" validate:"required"`
	ResumeURL      string `json:"resume_url" validate:"required,max=1024"`
}

// JobResumesQuery 岗位简历列表的分页查询参数
type JobResumesQuery struct {
	Page     int    `json:"page"`
	Limit    int    `json:"limit"`
	Status   string `json:"status,omitempty"`    // 可选的流水线状态过滤
	PassFail string `json:"pass_fail,omitempty"` // 可选的通过/淘汰过滤
}

// CallbackResult 批次回调处理结果
// Duplicate=true 表示该回调此前已被计入，本次未产生任何状态变更
type CallbackResult struct {
	ResumeProcessingID string `json:"resume_processing_id"`
	BatchID            string `json:"batch_id"`
	Duplicate          bool   `json:"duplicate"`
	BatchStatus        string `json:"batch_status"`
	ProcessedResumes   int    `json:"processed_resumes"`
	CompletedResumes   int    `json:"completed_resumes"`
	FailedResumes      int    `json:"failed_resumes"`
	TotalResumes       int    `json:"total_resumes"`
}

// ResumeDelta getJobUpdates 返回的轻量投影，供客户端增量刷新使用
type ResumeDelta struct {
	ProcessingID     string     `json:"processing_id"`
	ExternalResumeID string     `json:"external_resume_id"`
	Status           string     `json:"status"`
	RankingStatus    string     `json:"ranking_status"`
	PassFail         string     `json:"pass_fail,omitempty"`
	Rank             *int       `json:"rank,omitempty"`
	FinalScore       *float64   `json:"final_score,omitempty"`
	AnalysisStatus   string     `json:"analysis_status"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// AnalysisRequestResult requestAnalysis 的响应
type AnalysisRequestResult struct {
	Status   string          `json:"status"`
	Message  string          `json:"message,omitempty"`
	Analysis json.RawMessage `json:"analysis,omitempty"`
}

// AnalysisStatusView getAnalysisStatus 的响应形态
type AnalysisStatusView struct {
	Status      string          `json:"status"`
	Analysis    json.RawMessage `json:"analysis,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ProcessingUpdate 工作进程对处理记录的字段写入
// 指针字段为nil表示本次不更新该字段
type ProcessingUpdate struct {
	Status        *string         `json:"status,omitempty"`
	ResumeHash    *string         `json:"resume_hash,omitempty"`
	JobHash       *string         `json:"job_hash,omitempty"`
	PreFilter     json.RawMessage `json:"pre_filter,omitempty"`
	FinalScore    *float64        `json:"final_score,omitempty"`
	Rank          *int            `json:"rank,omitempty"`
	RankingStatus *string         `json:"ranking_status,omitempty"`
	PassFail      *string         `json:"pass_fail,omitempty"`
	Explanation   json.RawMessage `json:"explanation,omitempty"`
	ParsedResume  json.RawMessage `json:"parsed_resume,omitempty"`
	Error         *string         `json:"error,omitempty"`
}
