package storage

// ResumeTaskMessage 简历处理任务消息，投递给处理工作进程
type ResumeTaskMessage struct {
	TaskID             string `json:"task_id"`              // 本次投递的唯一ID (UUIDv4)，重发时会变化
	BatchID            string `json:"batch_id"`             // 所属批次ID
	JobID              string `json:"job_id"`               // 目标岗位ID
	ResumeProcessingID string `json:"resume_processing_id"` // 处理记录主键，工作进程回调时带回
	ResumeURL          string `json:"resume_url"`           // 简历文件的可下载地址
	ExternalResumeID   string `json:"external_resume_id"`   // 对外展示的简历ID
}

// AnalysisTaskMessage 深度分析任务消息，投递给分析工作进程
type AnalysisTaskMessage struct {
	TaskID             string `json:"task_id"`              // 本次投递的唯一ID (UUIDv4)
	ResumeProcessingID string `json:"resume_processing_id"` // 待分析的处理记录主键
	Attempt            int    `json:"attempt"`              // 第几次分析尝试，从1开始
	TriggeredBy        string `json:"triggered_by,omitempty"` // 触发来源: user / retry / reconcile
}
