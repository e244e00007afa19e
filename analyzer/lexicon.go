package analyzer

// Word polarity in [-1, 1]
var polarityLexicon = map[string]float64{
	"amazing": 0.6, "awesome": 1.0, "beautiful": 0.85, "best": 1.0, "better": 0.5,
	"brilliant": 0.9, "calm": 0.3, "celebrate": 0.5, "clean": 0.37, "clever": 0.5,
	"cool": 0.35, "correct": 0.4, "curious": 0.2, "delight": 0.8, "delighted": 0.7,
	"easy": 0.43, "elegant": 0.6, "enjoy": 0.4, "enjoyed": 0.4, "excellent": 1.0,
	"excited": 0.38, "exciting": 0.3, "fantastic": 0.4, "fascinating": 0.6, "fast": 0.2,
	"fine": 0.42, "free": 0.4, "friendly": 0.38, "fun": 0.3, "glad": 0.5,
	"good": 0.7, "grateful": 0.6, "great": 0.8, "happy": 0.8, "helpful": 0.5,
	"hope": 0.3, "hopeful": 0.5, "impressive": 1.0, "incredible": 0.9, "interesting": 0.5,
	"kind": 0.6, "love": 0.5, "loved": 0.7, "lovely": 0.5, "lucky": 0.33,
	"nice": 0.6, "perfect": 1.0, "pleasant": 0.73, "pleased": 0.5, "positive": 0.23,
	"powerful": 0.3, "proud": 0.8, "ready": 0.2, "right": 0.29, "safe": 0.5,
	"smart": 0.21, "solid": 0.3, "strong": 0.43, "success": 0.3, "successful": 0.75,
	"superb": 1.0, "thank": 0.4, "thanks": 0.2, "thrilled": 0.6, "useful": 0.3,
	"welcome": 0.8, "win": 0.8, "wins": 0.8, "wise": 0.7, "wonderful": 1.0,
	"wow": 0.1, "yay": 0.5,

	"abysmal": -1.0, "afraid": -0.6, "angry": -0.5, "annoying": -0.8, "anxious": -0.5,
	"awful": -1.0, "bad": -0.7, "boring": -1.0, "broken": -0.4, "bug": -0.3,
	"confused": -0.4, "crap": -0.8, "crash": -0.4, "cruel": -1.0, "dangerous": -0.6,
	"dead": -0.2, "depressed": -0.5, "difficult": -0.5, "disappointed": -0.75, "disappointing": -0.6,
	"disaster": -0.8, "dumb": -0.37, "fail": -0.5, "failed": -0.5, "failure": -0.32,
	"fake": -0.5, "fear": -0.5, "frustrated": -0.7, "frustrating": -0.4, "hard": -0.29,
	"hate": -0.8, "hated": -0.9, "horrible": -1.0, "hurt": -0.5, "lonely": -0.6,
	"lost": -0.3, "mad": -0.63, "mess": -0.4, "negative": -0.3, "painful": -0.7,
	"pathetic": -1.0, "poor": -0.4, "sad": -0.5, "scary": -0.5, "shame": -0.4,
	"sick": -0.71, "slow": -0.3, "sorry": -0.5, "stupid": -0.8, "terrible": -1.0,
	"tired": -0.4, "toxic": -0.8, "ugly": -0.7, "unfair": -0.5, "unhappy": -0.6,
	"useless": -0.5, "wasted": -0.2, "weak": -0.38, "worried": -0.5, "worse": -0.4,
	"worst": -1.0, "wrong": -0.5,
}

// Modifiers that scale the polarity of the next word
var intensifiers = map[string]float64{
	"absolutely": 1.5, "completely": 1.3, "deeply": 1.3, "extremely": 1.5, "highly": 1.3,
	"incredibly": 1.5, "quite": 1.1, "really": 1.3, "so": 1.3, "super": 1.4,
	"totally": 1.4, "truly": 1.3, "very": 1.3, "barely": 0.5, "slightly": 0.5,
	"somewhat": 0.6, "kinda": 0.6,
}

var negations = map[string]struct{}{
	"not": {}, "no": {}, "never": {}, "nothing": {}, "nobody": {}, "none": {},
	"neither": {}, "nor": {}, "without": {}, "cannot": {},
}
