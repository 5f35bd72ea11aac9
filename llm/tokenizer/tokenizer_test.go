package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capsulekit/capsulegen/llm"
)

func TestEstimatorCounter(t *testing.T) {
	c := EstimatorCounter{}

	n, err := c.CountTokens("")
	assert.NoError(t, err)
	assert.Zero(t, n)

	n, err = c.CountTokens("abc")
	assert.NoError(t, err)
	assert.Equal(t, 1, n, "short text still costs at least one token")

	n, err = c.CountTokens("aaaabbbbccccdddd")
	assert.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestEstimatorCounter_Messages(t *testing.T) {
	c := EstimatorCounter{}

	n, err := c.CountMessages([]llm.Message{
		{Role: llm.RoleSystem, Content: "aaaabbbb"},
		{Role: llm.RoleUser, Content: "ccccdddd"},
	})
	assert.NoError(t, err)
	// 3 base + (2 + 4) + (2 + 4)
	assert.Equal(t, 15, n)
}

func TestEstimateUsage_FillsZeroUsage(t *testing.T) {
	messages := []llm.Message{{Role: llm.RoleUser, Content: "aaaabbbbcccc"}}

	usage := EstimateUsage(EstimatorCounter{}, llm.Usage{}, messages, "ddddeeee")
	assert.Equal(t, 10, usage.PromptTokens)
	assert.Equal(t, 2, usage.CompletionTokens)
	assert.Equal(t, 12, usage.TotalTokens)
}

func TestEstimateUsage_KeepsProviderUsage(t *testing.T) {
	reported := llm.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150}

	usage := EstimateUsage(EstimatorCounter{}, reported, nil, "anything")
	assert.Equal(t, reported, usage)
}
