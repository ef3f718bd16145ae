package coordinator

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"resume-batch-go/internal/constants"
	"resume-batch-go/internal/storage"
	"resume-batch-go/internal/storage/models"
	"resume-batch-go/internal/types"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// memStore 内存实现的BatchStore/AnalysisStore，复刻MySQL原子原语的语义：
// 记账是锁内的一步操作，守卫和终态判定不可分割。
type memStore struct {
	mu          sync.Mutex
	batches     map[string]*models.Batch
	processings map[string]*models.ResumeProcessing
}

func newMemStore() *memStore {
	return &memStore{
		batches:     make(map[string]*models.Batch),
		processings: make(map[string]*models.ResumeProcessing),
	}
}

func (s *memStore) CreateBatchWithProcessings(ctx context.Context, batch *models.Batch, processings []*models.ResumeProcessing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range processings {
		cp := *p
		now := time.Now().UTC()
		cp.CreatedAt = now
		cp.UpdatedAt = now
		s.processings[p.ProcessingID] = &cp
	}
	cp := *batch
	s.batches[batch.BatchID] = &cp
	return nil
}

func (s *memStore) GetBatch(ctx context.Context, batchID string) (*models.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *memStore) GetProcessing(ctx context.Context, processingID string) (*models.ResumeProcessing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, ok := s.processings[processingID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *rp
	return &cp, nil
}

func (s *memStore) ApplyCallbackResult(ctx context.Context, batchID string, completed bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return false, nil
	}
	if b.ProcessedResumes >= b.TotalResumes {
		return false, nil
	}
	b.ProcessedResumes++
	if completed {
		b.CompletedResumes++
	} else {
		b.FailedResumes++
	}
	if b.ProcessedResumes >= b.TotalResumes {
		if b.FailedResumes > 0 {
			b.Status = constants.BatchStatusFailed
		} else {
			b.Status = constants.BatchStatusCompleted
		}
	} else {
		b.Status = constants.BatchStatusProcessing
	}
	return true, nil
}

func (s *memStore) MarkBatchAccounted(ctx context.Context, processingID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, ok := s.processings[processingID]
	if !ok || rp.BatchAccounted {
		return false, nil
	}
	rp.BatchAccounted = true
	rp.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *memStore) ListJobResumes(ctx context.Context, jobID string, q types.JobResumesQuery) ([]models.ResumeProcessing, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []models.ResumeProcessing
	for _, rp := range s.processings {
		if rp.JobDescriptionID != jobID {
			continue
		}
		if q.Status != "" && rp.Status != q.Status {
			continue
		}
		if q.PassFail != "" && rp.PassFail != q.PassFail {
			continue
		}
		items = append(items, *rp)
	}
	if q.PassFail == constants.PassFailFailed {
		sort.Slice(items, func(i, j int) bool {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		})
	} else {
		rankOf := func(rp *models.ResumeProcessing) int {
			if rp.Rank == nil {
				return constants.UnrankedSentinel
			}
			return *rp.Rank
		}
		sort.Slice(items, func(i, j int) bool {
			ri, rj := rankOf(&items[i]), rankOf(&items[j])
			if ri != rj {
				return ri < rj
			}
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		})
	}
	total := int64(len(items))

	page := q.Page
	if page < 1 {
		page = 1
	}
	limit := q.Limit
	if limit < 1 {
		limit = 20
	}
	start := (page - 1) * limit
	if start >= len(items) {
		return nil, total, nil
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end], total, nil
}

func (s *memStore) ListJobUpdates(ctx context.Context, jobID string, since *time.Time) ([]types.ResumeDelta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deltas []types.ResumeDelta
	for _, rp := range s.processings {
		if rp.JobDescriptionID != jobID {
			continue
		}
		if since != nil && !rp.UpdatedAt.After(*since) {
			continue
		}
		deltas = append(deltas, types.ResumeDelta{
			ProcessingID:     rp.ProcessingID,
			ExternalResumeID: rp.ExternalResumeID,
			Status:           rp.Status,
			RankingStatus:    rp.RankingStatus,
			PassFail:         rp.PassFail,
			Rank:             rp.Rank,
			FinalScore:       rp.FinalScore,
			AnalysisStatus:   rp.AnalysisStatus,
			UpdatedAt:        rp.UpdatedAt,
		})
	}
	sort.Slice(deltas, func(i, j int) bool {
		return deltas[i].UpdatedAt.Before(deltas[j].UpdatedAt)
	})
	return deltas, nil
}

func (s *memStore) UpdateProcessingFields(ctx context.Context, processingID string, updates map[string]interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, ok := s.processings[processingID]
	if !ok {
		return false, nil
	}
	for k, v := range updates {
		switch strings.Trim(k, "`") {
		case "status":
			rp.Status = v.(string)
		case "resume_hash":
			h := v.(string)
			rp.ResumeHash = &h
		case "job_hash":
			h := v.(string)
			rp.JobHash = &h
		case "final_score":
			f := v.(float64)
			rp.FinalScore = &f
		case "rank":
			r := v.(int)
			rp.Rank = &r
		case "ranking_status":
			rp.RankingStatus = v.(string)
		case "pass_fail":
			rp.PassFail = v.(string)
		case "error":
			rp.Error = v.(string)
		case "is_duplicate":
			rp.IsDuplicate = v.(bool)
		case "duplicate_of":
			d := v.(string)
			rp.DuplicateOf = &d
		case "pre_filter":
			rp.PreFilter = datatypes.JSON(v.([]byte))
		case "explanation":
			rp.Explanation = datatypes.JSON(v.([]byte))
		case "parsed_resume":
			rp.ParsedResume = datatypes.JSON(v.([]byte))
		}
	}
	rp.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *memStore) FindDuplicateCandidate(ctx context.Context, resumeHash, jobHash, excludeProcessingID string) (*models.ResumeProcessing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var found *models.ResumeProcessing
	for _, rp := range s.processings {
		if rp.ProcessingID == excludeProcessingID {
			continue
		}
		if rp.ResumeHash == nil || rp.JobHash == nil {
			continue
		}
		if *rp.ResumeHash != resumeHash || *rp.JobHash != jobHash {
			continue
		}
		if rp.Status != constants.ProcessingStatusCompleted {
			continue
		}
		if found == nil || rp.CreatedAt.Before(found.CreatedAt) {
			found = rp
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (s *memStore) TransitionAnalysisStatus(ctx context.Context, processingID string, from string, requestedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, ok := s.processings[processingID]
	if !ok || rp.AnalysisStatus != from {
		return false, nil
	}
	rp.AnalysisStatus = constants.AnalysisStatusQueued
	rp.AnalysisRequestedAt = &requestedAt
	rp.AnalysisError = ""
	rp.UpdatedAt = time.Now().UTC()
	return true, nil
}

// fakeSink 记录所有投递的TaskSink实现
type fakeSink struct {
	mu          sync.Mutex
	processing  []storage.ResumeTaskMessage
	analysis    []storage.AnalysisTaskMessage
	failPublish bool
	publishErr  error
}

func (f *fakeSink) PublishProcessingTask(ctx context.Context, msg *storage.ResumeTaskMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPublish {
		return "", f.publishErr
	}
	msg.TaskID = "task-" + msg.ResumeProcessingID
	f.processing = append(f.processing, *msg)
	return msg.TaskID, nil
}

func (f *fakeSink) PublishAnalysisTask(ctx context.Context, msg *storage.AnalysisTaskMessage) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPublish {
		return "", f.publishErr
	}
	msg.TaskID = "analysis-task-" + msg.ResumeProcessingID
	f.analysis = append(f.analysis, *msg)
	return msg.TaskID, nil
}

func (f *fakeSink) processingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.processing)
}

func (f *fakeSink) analysisCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.analysis)
}
