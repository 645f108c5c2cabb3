package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sekolabs/examroom-backend/internal/config"
	"github.com/sekolabs/examroom-backend/internal/database"
	"github.com/sekolabs/examroom-backend/internal/logger"
	"github.com/sekolabs/examroom-backend/internal/model"
	"github.com/sekolabs/examroom-backend/internal/repository"
	"github.com/sekolabs/examroom-backend/internal/service"
)

const (
	studentCount    = 20
	studentPassword = "student123"
	proctorEmail    = "proctor@example.com"
	proctorPassword = "proctor123"
)

func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	studentRepo := repository.NewStudentRepository(pool)
	proctorRepo := repository.NewProctorRepository(pool)
	examRepo := repository.NewExamRepository(pool)
	questionRepo := repository.NewQuestionRepository(pool)
	examService := service.NewExamService(examRepo, questionRepo, rdb, log)

	fmt.Println("=== Seeding Demo Data ===")

	// 1. Proctor
	proctorHash, err := bcrypt.GenerateFromPassword([]byte(proctorPassword), cfg.BcryptCost)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to hash proctor password")
	}
	proctor := &model.Proctor{
		Email:        proctorEmail,
		Name:         "Demo Proctor",
		PasswordHash: string(proctorHash),
	}
	if err := proctorRepo.Create(ctx, proctor); err != nil {
		log.Fatal().Err(err).Msg("Failed to create proctor (already seeded?)")
	}
	fmt.Printf("Created proctor %s (password: %s)\n", proctorEmail, proctorPassword)

	// 2. Students
	studentHash, err := bcrypt.GenerateFromPassword([]byte(studentPassword), cfg.BcryptCost)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to hash student password")
	}
	for i := 1; i <= studentCount; i++ {
		s := &model.Student{
			Username:     fmt.Sprintf("student%02d", i),
			Name:         fmt.Sprintf("Demo Student %02d", i),
			PasswordHash: string(studentHash),
		}
		if err := studentRepo.Create(ctx, s); err != nil {
			log.Fatal().Err(err).Int("n", i).Msg("Failed to create student")
		}
	}
	fmt.Printf("Created %d students (password: %s)\n", studentCount, studentPassword)

	// 3. Demo exam with one question of each type
	exam := &model.Exam{
		Title:           "General Knowledge Demo",
		AuthorID:        proctor.ID,
		DurationMinutes: 30,
		EntryToken:      "DEMO",
	}
	if err := examService.Create(ctx, exam); err != nil {
		log.Fatal().Err(err).Msg("Failed to create exam")
	}

	questions := []model.Question{
		{
			ExamID:    exam.ID,
			Type:      model.QuestionTypeSingleChoice,
			Prompt:    "Which planet is closest to the sun?",
			Options:   []string{"Venus", "Mercury", "Mars", "Earth"},
			Points:    10,
			OrderNum:  1,
			AnswerKey: mustJSON("Mercury"),
		},
		{
			ExamID:    exam.ID,
			Type:      model.QuestionTypeMultipleChoice,
			Prompt:    "Select all prime numbers.",
			Options:   []string{"2", "3", "4", "5", "6"},
			Points:    10,
			OrderNum:  2,
			AnswerKey: mustJSON([]string{"2", "3", "5"}),
		},
		{
			ExamID:    exam.ID,
			Type:      model.QuestionTypeFillBlank,
			Prompt:    "Water freezes at ____ degrees Celsius.",
			Points:    10,
			OrderNum:  3,
			AnswerKey: mustJSON("0"),
		},
		{
			ExamID:   exam.ID,
			Type:     model.QuestionTypeShortAnswer,
			Prompt:   "In one sentence, explain why the sky is blue.",
			Points:   10,
			OrderNum: 4,
			// No answer key: graded manually.
		},
	}
	if err := questionRepo.ReplaceForExam(ctx, exam.ID, questions); err != nil {
		log.Fatal().Err(err).Msg("Failed to insert questions")
	}

	if err := examService.Publish(ctx, exam.ID, proctor.ID); err != nil {
		log.Fatal().Err(err).Msg("Failed to publish exam")
	}

	fmt.Printf("Published exam %q (%s) with entry token %q\n", exam.Title, exam.ID, exam.EntryToken)
	fmt.Println("Done.")
}

func mustJSON(v interface{}) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
