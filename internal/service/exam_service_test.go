package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/sekolabs/examroom-backend/internal/config"
	"github.com/sekolabs/examroom-backend/internal/model"
)

func newRedisExamService(t *testing.T) (*ExamService, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewExamService(nil, nil, rdb, zerolog.Nop()), rdb
}

func TestGetExamPayloadFromCache(t *testing.T) {
	svc, rdb := newRedisExamService(t)
	ctx := context.Background()
	examID := uuid.New()

	payload := model.ExamPayload{
		ExamID:   examID,
		Title:    "Cached Exam",
		Duration: 45,
		Questions: []model.QuestionForStudent{
			{ID: uuid.New(), Type: model.QuestionTypeSingleChoice, Prompt: "Q1", Options: []string{"A", "B"}, Points: 10},
		},
	}
	raw, _ := json.Marshal(payload)
	if err := rdb.Set(ctx, config.CacheKey.ExamPayloadKey(examID.String()), raw, 0).Err(); err != nil {
		t.Fatalf("seed payload: %v", err)
	}

	got, err := svc.GetExamPayload(ctx, examID)
	if err != nil {
		t.Fatalf("get payload: %v", err)
	}
	if got.Title != "Cached Exam" || got.Duration != 45 || len(got.Questions) != 1 {
		t.Errorf("payload = %+v", got)
	}
}

func TestGetExamPayloadMissMeansNotPublished(t *testing.T) {
	svc, _ := newRedisExamService(t)

	_, err := svc.GetExamPayload(context.Background(), uuid.New())
	if !errors.Is(err, ErrExamNotPublished) {
		t.Errorf("err = %v, want ErrExamNotPublished", err)
	}
}

func TestGetAnswerKeyFromCache(t *testing.T) {
	svc, rdb := newRedisExamService(t)
	ctx := context.Background()
	examID := uuid.New()
	questionID := uuid.NewString()

	key := map[string]json.RawMessage{questionID: json.RawMessage(`"B"`)}
	raw, _ := json.Marshal(key)
	if err := rdb.Set(ctx, config.CacheKey.ExamAnswerKeyKey(examID.String()), raw, 0).Err(); err != nil {
		t.Fatalf("seed key: %v", err)
	}

	got, err := svc.GetAnswerKey(ctx, examID)
	if err != nil {
		t.Fatalf("get answer key: %v", err)
	}
	if string(got[questionID]) != `"B"` {
		t.Errorf("answer key = %v", got)
	}
}
