package nlp

import (
	"context"
	"regexp"
)

// 实体类型（封闭集合）
const (
	EntityLocation         = "LOCATION"
	EntityPerson           = "PERSON"
	EntityVehicle          = "VEHICLE"
	EntityWeapon           = "WEAPON"
	EntityInjury           = "INJURY"
	EntityMedicalCondition = "MEDICAL_CONDITION"
	EntityTime             = "TIME"
	EntityPhoneNumber      = "PHONE_NUMBER"
	EntityAddress          = "ADDRESS"
)

// Entity 从通话文本中抽取的结构化事实，创建后不再变更
type Entity struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	StartChar  int     `json:"startChar"`
	EndChar    int     `json:"endChar"`
}

// Extractor 实体抽取协作方
// 尽力而为：失败由流水线吞掉并降级，绝不阻塞对话
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Entity, error)
}

// keywordTables 急救场景关键词表，按实体类型分组
var keywordTables = map[string][]string{
	EntityWeapon:  {"gun", "knife", "weapon", "rifle", "pistol", "firearm", "shotgun"},
	EntityInjury:  {"bleeding", "unconscious", "hurt", "injured", "wound", "broken", "burned"},
	EntityVehicle: {"car", "truck", "vehicle", "van", "motorcycle", "suv", "bus"},
	EntityMedicalCondition: {
		"heart attack", "stroke", "seizure", "not breathing", "chest pain",
		"overdose", "allergic reaction", "diabetic",
	},
	EntityTime: {"minutes ago", "just now", "earlier", "an hour ago", "last night"},
	EntityLocation: {
		"intersection", "highway", "parking lot", "apartment", "downtown",
		"backyard", "basement", "upstairs",
	},
	EntityPerson: {
		"my husband", "my wife", "my son", "my daughter", "my neighbor",
		"my brother", "my sister", "my mother", "my father", "my friend",
	},
}

var (
	phoneRe   = regexp.MustCompile(`\(?\d{3}\)?[-.\s]\d{3}[-.\s]?\d{4}`)
	addressRe = regexp.MustCompile(`(?i)\b\d+\s+[A-Za-z]+(?:\s[A-Za-z]+)?\s(?:street|st|avenue|ave|road|rd|boulevard|blvd|drive|dr|lane|ln|court|ct)\b`)
)

// keywordPatterns 关键词编译为大小写不敏感正则
// 匹配和偏移都落在原文上；小写副本的字节偏移对多字节原文不可靠
var keywordPatterns = compileKeywords()

func compileKeywords() map[string][]*regexp.Regexp {
	out := make(map[string][]*regexp.Regexp, len(keywordTables))
	for entityType, keywords := range keywordTables {
		pats := make([]*regexp.Regexp, 0, len(keywords))
		for _, keyword := range keywords {
			pats = append(pats, regexp.MustCompile(`(?i)`+regexp.QuoteMeta(keyword)))
		}
		out[entityType] = pats
	}
	return out
}

// KeywordExtractor 内置的关键词+正则抽取器，作为默认NLP协作方
// 关键词命中给固定置信度0.90，正则命中0.95
type KeywordExtractor struct{}

// NewKeywordExtractor 创建关键词抽取器
func NewKeywordExtractor() *KeywordExtractor {
	return &KeywordExtractor{}
}

// Extract 抽取文本中的全部实体，字符偏移基于原始文本
func (e *KeywordExtractor) Extract(_ context.Context, text string) ([]Entity, error) {
	var entities []Entity

	for entityType, pats := range keywordPatterns {
		for _, pat := range pats {
			for _, loc := range pat.FindAllStringIndex(text, -1) {
				entities = append(entities, Entity{
					Type:       entityType,
					Value:      text[loc[0]:loc[1]],
					Confidence: 0.90,
					StartChar:  loc[0],
					EndChar:    loc[1],
				})
			}
		}
	}

	for _, loc := range phoneRe.FindAllStringIndex(text, -1) {
		entities = append(entities, Entity{
			Type:       EntityPhoneNumber,
			Value:      text[loc[0]:loc[1]],
			Confidence: 0.95,
			StartChar:  loc[0],
			EndChar:    loc[1],
		})
	}
	for _, loc := range addressRe.FindAllStringIndex(text, -1) {
		entities = append(entities, Entity{
			Type:       EntityAddress,
			Value:      text[loc[0]:loc[1]],
			Confidence: 0.95,
			StartChar:  loc[0],
			EndChar:    loc[1],
		})
	}

	return entities, nil
}
