package nlp

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func extract(t *testing.T, text string) []Entity {
	t.Helper()
	entities, err := NewKeywordExtractor().Extract(context.Background(), text)
	require.NoError(t, err)
	return entities
}

func findByType(entities []Entity, entityType string) []Entity {
	var out []Entity
	for _, e := range entities {
		if e.Type == entityType {
			out = append(out, e)
		}
	}
	return out
}

func TestExtractKeyword(t *testing.T) {
	text := "There is a man with a gun in the parking lot"
	entities := extract(t, text)

	weapons := findByType(entities, EntityWeapon)
	require.Len(t, weapons, 1)
	assert.Equal(t, "gun", weapons[0].Value)
	assert.Equal(t, 0.90, weapons[0].Confidence)
	// 字符偏移指回原文
	assert.Equal(t, "gun", text[weapons[0].StartChar:weapons[0].EndChar])

	locations := findByType(entities, EntityLocation)
	require.Len(t, locations, 1)
	assert.Equal(t, "parking lot", locations[0].Value)
}

func TestExtractCaseInsensitive(t *testing.T) {
	text := "He has a GUN and my HUSBAND is hurt"
	entities := extract(t, text)

	weapons := findByType(entities, EntityWeapon)
	require.Len(t, weapons, 1)
	// Value保留原文大小写
	assert.Equal(t, "GUN", weapons[0].Value)

	assert.Len(t, findByType(entities, EntityPerson), 1)
	assert.Len(t, findByType(entities, EntityInjury), 1)
}

// 多字节原文：小写化会改变某些rune的字节长度，偏移必须仍指回原文
func TestExtractMultibyteText(t *testing.T) {
	text := "Ⱥ he has a gun"
	entities := extract(t, text)

	weapons := findByType(entities, EntityWeapon)
	require.Len(t, weapons, 1)
	assert.Equal(t, "gun", weapons[0].Value)
	assert.Equal(t, "gun", text[weapons[0].StartChar:weapons[0].EndChar])

	text = "İstanbul street, my husband is hurt"
	entities = extract(t, text)
	persons := findByType(entities, EntityPerson)
	require.Len(t, persons, 1)
	assert.Equal(t, "my husband", text[persons[0].StartChar:persons[0].EndChar])
}

func TestExtractMultiwordKeyword(t *testing.T) {
	entities := extract(t, "I think he's having a heart attack and he's not breathing")
	medical := findByType(entities, EntityMedicalCondition)
	require.Len(t, medical, 2)

	values := []string{medical[0].Value, medical[1].Value}
	assert.Contains(t, values, "heart attack")
	assert.Contains(t, values, "not breathing")
}

func TestExtractRepeatedKeyword(t *testing.T) {
	entities := extract(t, "a gun, he dropped the gun")
	weapons := findByType(entities, EntityWeapon)
	require.Len(t, weapons, 2)
	assert.NotEqual(t, weapons[0].StartChar, weapons[1].StartChar)
}

func TestExtractPhoneNumber(t *testing.T) {
	text := "You can call me back at 555-123-4567 or (206) 555-0100"
	entities := extract(t, text)

	phones := findByType(entities, EntityPhoneNumber)
	require.Len(t, phones, 2)
	assert.Equal(t, "555-123-4567", phones[0].Value)
	assert.Equal(t, 0.95, phones[0].Confidence)
	assert.Equal(t, "(206) 555-0100", phones[1].Value)
}

func TestExtractAddress(t *testing.T) {
	entities := extract(t, "We are at 425 Maple Street near the gas station")
	addresses := findByType(entities, EntityAddress)
	require.Len(t, addresses, 1)
	assert.Equal(t, "425 Maple Street", addresses[0].Value)
}

func TestExtractNothing(t *testing.T) {
	entities := extract(t, "thank you for your patience")
	assert.Empty(t, entities)
}

func TestAnalyzeSentimentPanicked(t *testing.T) {
	s := AnalyzeSentiment("Help! He's dying, please hurry, oh my god!")
	assert.Equal(t, "panicked", s.Emotion)
	assert.GreaterOrEqual(t, s.PanicScore, 3)
	assert.LessOrEqual(t, s.Confidence, 0.95)
}

func TestAnalyzeSentimentAnxious(t *testing.T) {
	s := AnalyzeSentiment("Please send someone")
	assert.Equal(t, "anxious", s.Emotion)
	assert.Equal(t, 1, s.PanicScore)
}

func TestAnalyzeSentimentCalm(t *testing.T) {
	s := AnalyzeSentiment("Okay, he's stable now and breathing fine")
	assert.Equal(t, "calm", s.Emotion)
	assert.GreaterOrEqual(t, s.CalmScore, 2)
}

func TestAnalyzeSentimentNeutral(t *testing.T) {
	s := AnalyzeSentiment("The car is blue")
	assert.Equal(t, "neutral", s.Emotion)
	assert.Zero(t, s.PanicScore)
	assert.Zero(t, s.CalmScore)
}
