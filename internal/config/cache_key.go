package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentSessionKey returns the cache key for a student's login session
func (r *CacheKeyStruct) StudentSessionKey(studentID int) string {
	return fmt.Sprintf("login:%d", studentID)
}

// SessionStartKey returns the cache key for a student's exam session start timestamp
func (r *CacheKeyStruct) SessionStartKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:session_start", studentID, examID)
}

// AutosavedAnswersKey returns the cache key for a student's autosaved answers hash
func (r *CacheKeyStruct) AutosavedAnswersKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:answers", studentID, examID)
}

// ViolationCountKey returns the cache key for a student's live violation counter
func (r *CacheKeyStruct) ViolationCountKey(examID string, studentID int) string {
	return fmt.Sprintf("student:%d:exam:%s:violations", studentID, examID)
}

// ExamPayloadKey returns the cache key for an exam's student-facing paper
func (r *CacheKeyStruct) ExamPayloadKey(examID string) string {
	return fmt.Sprintf("exam:%s:payload", examID)
}

// ExamDurationKey returns the cache key for an exam's duration in minutes
func (r *CacheKeyStruct) ExamDurationKey(examID string) string {
	return fmt.Sprintf("exam:%s:duration", examID)
}

// ExamAnswerKeyKey returns the cache key for an exam's answer key
func (r *CacheKeyStruct) ExamAnswerKeyKey(examID string) string {
	return fmt.Sprintf("exam:%s:key", examID)
}

// ProctorFeedChannel returns the Redis Pub/Sub channel for an exam's live proctor feed
func (r *CacheKeyStruct) ProctorFeedChannel(examID string) string {
	return fmt.Sprintf("exam:%s:proctor_feed", examID)
}

var CacheKey = NewCacheKeyStruct()
