package prompt

const defaultRelationshipSuffix = `

Relationship context supplied by the requester: {relationship}
Interpret {speaker}'s messages in light of this relationship and reflect it in every section of the JSON.`

const jsonRules = `
Respond with a single JSON object only. Every claim must cite behaviour visible in the messages. Do not invent events.`

var builtinEntries = map[string]Entry{
	"comprehensive": {
		Template: `Analyze the personality of {speaker} based on the conversation below.

Conversation:
{messages}

Return JSON with these keys:
- "summary": a short paragraph describing {speaker}
- "big_five": object with "openness", "conscientiousness", "extraversion", "agreeableness", "neuroticism", each {"score": 0-100, "evidence": string}
- "communication_style": object with "description" and "patterns" (array of strings)
- "emotional_patterns": array of strings
- "strengths": array of strings
- "growth_areas": array of strings
- "confidence": number between 0 and 1` + jsonRules,
		Schema: `{
  "type": "object",
  "required": ["summary", "big_five"],
  "properties": {
    "summary": {"type": "string"},
    "big_five": {"type": "object"},
    "strengths": {"type": "array"},
    "growth_areas": {"type": "array"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`,
	},
	"big_five": {
		Template: `Estimate the Big Five (OCEAN) traits of {speaker} from these messages:

{messages}

Return JSON: {"traits": {"openness": {"score": 0-100, "evidence": string}, "conscientiousness": {...}, "extraversion": {...}, "agreeableness": {...}, "neuroticism": {...}}, "summary": string, "confidence": number}` + jsonRules,
		Schema: `{
  "type": "object",
  "required": ["traits"],
  "properties": {
    "traits": {
      "type": "object",
      "required": ["openness", "conscientiousness", "extraversion", "agreeableness", "neuroticism"]
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`,
	},
	"mbti": {
		Template: `Suggest the most likely MBTI type for {speaker} using only the conversation below.

{messages}

Return JSON: {"type": four-letter string, "dimensions": {"EI": string, "SN": string, "TF": string, "JP": string}, "evidence": array of strings, "alternatives": array of strings, "confidence": number}` + jsonRules,
		Schema: `{
  "type": "object",
  "required": ["type", "dimensions"],
  "properties": {
    "type": {"type": "string", "pattern": "^[EI][SN][TF][JP]$"},
    "dimensions": {"type": "object"}
  }
}`,
	},
	"attachment_style": {
		Template: `Assess the attachment style signals of {speaker} in these messages:

{messages}

Return JSON: {"primary_style": one of "secure", "anxious", "avoidant", "disorganized", "indicators": array of strings, "triggers": array of strings, "summary": string, "confidence": number}` + jsonRules,
	},
	"communication_style": {
		Template: `Describe how {speaker} communicates in the conversation below.

{messages}

Return JSON: {"style": string, "tone": string, "directness": 0-100, "formality": 0-100, "recurring_patterns": array of strings, "suggestions": array of strings}` + jsonRules,
	},
	"emotional_intelligence": {
		Template: `Evaluate the emotional intelligence shown by {speaker} in these messages:

{messages}

Return JSON: {"self_awareness": {"score": 0-100, "evidence": string}, "self_regulation": {...}, "empathy": {...}, "social_skills": {...}, "motivation": {...}, "summary": string}` + jsonRules,
	},
	"relationship_dynamics": {
		Template: `Analyze the relationship dynamics visible in this conversation, focusing on {speaker}.

{messages}

Return JSON: {"roles": object mapping participant to role, "power_balance": string, "conflict_style": string, "support_patterns": array of strings, "risks": array of strings, "summary": string}` + jsonRules,
		RelationshipSuffix: `

The requester describes the relationship as: {relationship}
Compare the described relationship with what {speaker}'s messages actually show.`,
	},
}
