package constants

// Redis Key 前缀和格式常量
// 使用统一的命名规范: app:{module}:{entity}:{unique_id}
const (
	// AppPrefix 是所有Redis Key的统一应用前缀
	AppPrefix = "app"

	// BatchModulePrefix 批次模块
	BatchModulePrefix = "batch"
	// ResumeModulePrefix 简历模块
	ResumeModulePrefix = "resume"

	// EntityCounter 日期序列计数器实体
	EntityCounter = "counter"
	// EntityDedupSet 去重集合实体
	EntityDedupSet = "dedup_set"

	// KeyBatchCounter 批次ID日期计数器 (STRING, INCR)
	// 格式: app:batch:counter:{yyyymmdd}
	KeyBatchCounter = AppPrefix + ":" + BatchModulePrefix + ":" + EntityCounter + ":%s"

	// KeyResumeCounter 简历外部ID日期计数器 (STRING, INCR)
	// 格式: app:resume:counter:{yyyymmdd}
	KeyResumeCounter = AppPrefix + ":" + ResumeModulePrefix + ":" + EntityCounter + ":%s"

	// KeyResumeHashSet 简历内容哈希集合，用于去重快速预检 (SET)
	// 格式: app:resume:dedup_set
	KeyResumeHashSet = AppPrefix + ":" + ResumeModulePrefix + ":" + EntityDedupSet
)
