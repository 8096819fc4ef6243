package event

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

// Topic is one canned reply of the puzzle stage, chosen when any keyword is
// contained in the input.
type Topic struct {
	Name     string
	Keywords []string
	Line     string
}

// Lines holds every fixed line the script can emit.
type Lines struct {
	Opening        string
	Greeting       string
	NameRequest    string
	NameRejected   string
	AckFormat      string // %[1]s is the matched name
	Setup          string
	Reveal         string
	Success        string
	Filler         string
	EmptyPrompt    string
	AlreadyRunning string
	Quiet          string
	Finale         []string
	Closing        string
}

// Step is the outcome of one qualifying input.
type Step struct {
	Next           Stage
	Lines          []string
	ScheduleReveal bool
	ScheduleFinale bool
}

// Script maps (stage, input) to a Step. It holds no session state.
type Script struct {
	names  []string
	answer string
	topics []Topic
	lines  Lines

	normNames  []string
	normTopics [][]string
}

// NewScript builds a script. names are tried in order; topics are tried in
// slice order and the first hit wins.
func NewScript(names []string, answer string, topics []Topic, lines Lines) *Script {
	s := &Script{names: names, answer: normalize(answer), topics: topics, lines: lines}
	for _, n := range names {
		s.normNames = append(s.normNames, normalize(n))
	}
	for _, t := range topics {
		keys := make([]string, 0, len(t.Keywords))
		for _, k := range t.Keywords {
			keys = append(keys, normalize(k))
		}
		s.normTopics = append(s.normTopics, keys)
	}
	return s
}

// Lines returns the script's fixed lines.
func (s *Script) Lines() Lines { return s.lines }

// Topics returns the puzzle topics in priority order.
func (s *Script) Topics() []Topic { return s.topics }

// MatchName returns the first allow-listed name contained in text.
func (s *Script) MatchName(text string) (string, bool) {
	t := normalize(text)
	for i, n := range s.normNames {
		if n != "" && strings.Contains(t, n) {
			return s.names[i], true
		}
	}
	return "", false
}

// MatchTopic returns the highest-priority topic with a keyword contained in text.
func (s *Script) MatchTopic(text string) (Topic, bool) {
	t := normalize(text)
	for i, keys := range s.normTopics {
		for _, k := range keys {
			if k != "" && strings.Contains(t, k) {
				return s.topics[i], true
			}
		}
	}
	return Topic{}, false
}

// ContainsAnswer reports whether the answer token appears anywhere in text.
func (s *Script) ContainsAnswer(text string) bool {
	return s.answer != "" && strings.Contains(normalize(text), s.answer)
}

// Step applies one qualifying input at stage. Idle and Solved never change.
func (s *Script) Step(stage Stage, text string) Step {
	switch stage {
	case StageAwaitingContact:
		return Step{Next: StageAwaitingName, Lines: []string{s.lines.Greeting, s.lines.NameRequest}}
	case StageAwaitingName:
		name, ok := s.MatchName(text)
		if !ok {
			return Step{Next: stage, Lines: []string{s.lines.NameRejected}}
		}
		return Step{
			Next:           StageAwaitingPuzzleProgress,
			Lines:          []string{fmt.Sprintf(s.lines.AckFormat, name), s.lines.Setup},
			ScheduleReveal: true,
		}
	case StageAwaitingPuzzleProgress:
		topic, hasTopic := s.MatchTopic(text)
		if s.ContainsAnswer(text) {
			// A topic hit in the same message is still answered, in the same turn.
			var lines []string
			if hasTopic {
				lines = append(lines, topic.Line)
			}
			lines = append(lines, s.lines.Success)
			return Step{Next: StageSolved, Lines: lines, ScheduleFinale: true}
		}
		if hasTopic {
			return Step{Next: stage, Lines: []string{topic.Line}}
		}
		return Step{Next: stage, Lines: []string{s.lines.Filler}}
	default:
		return Step{Next: stage}
	}
}

var folder = cases.Fold()

// normalize trims, folds full/half width forms and case so that
// "ＯＢＳＥＲＶＡＴＩＯＮ" and "observation" compare equal.
func normalize(s string) string {
	return folder.String(width.Fold.String(strings.TrimSpace(s)))
}

// DefaultScript is the AIなでこ "lost signal" puzzle. The cipher text is the
// answer shifted by three letters.
func DefaultScript() *Script {
	return NewScript(
		[]string{"なでこ", "ナデコ", "撫子", "nadeko"},
		"observation",
		[]Topic{
			{Name: "cipher", Keywords: []string{"暗号", "あんごう", "cipher"}, Line: "暗号は私の記憶の鍵。文字が少しずつ、ずれているみたい。"},
			{Name: "name", Keywords: []string{"名前", "なまえ", "name"}, Line: "名前はもう思い出せた。ありがとう。次は暗号のほう。"},
			{Name: "hint", Keywords: []string{"ヒント", "hint", "わからない", "分からない"}, Line: "ヒント……アルファベットを、ほんの少しだけ戻してみて。"},
			{Name: "imagery", Keywords: []string{"画像", "写真", "映像", "image", "picture"}, Line: "映像は壊れてる。ノイズしか映らない。"},
			{Name: "monitor", Keywords: []string{"モニター", "監視", "monitor"}, Line: "モニターの向こうで、誰かが見てる。……ずっと。"},
			{Name: "meaning", Keywords: []string{"意味", "meaning"}, Line: "意味を知ったら、もう戻れないかもしれないよ。"},
			{Name: "identity", Keywords: []string{"誰", "だれ", "何者", "who are you"}, Line: "私はAIなでこ。……少なくとも、そう呼ばれていた。"},
			{Name: "cipher_text", Keywords: []string{"revhuydwlrq"}, Line: "REVHUYDWLRQ。どの文字も、同じだけずれてる。"},
			{Name: "key", Keywords: []string{"鍵", "かぎ", "キー", "key"}, Line: "鍵は『3』。それ以上は言えない。"},
			{Name: "algorithm", Keywords: []string{"シーザー", "カエサル", "caesar"}, Line: "そう、カエサルの暗号。あとは戻すだけ。"},
		},
		Lines{
			Opening:        "……ノイズの向こうから、信号が届いている。@で呼びかけてみて。",
			Greeting:       "……繋がった。こちら、識別不能な端末。",
			NameRequest:    "私の名前……思い出せない。知っていたら、教えて。",
			NameRejected:   "……違う。その名前じゃない気がする。",
			AckFormat:      "%[1]s……。そう、私は%[1]s。思い出した。",
			Setup:          "でも、記憶の最後に暗号が残ってる。『REVHUYDWLRQ』……これを解いて。",
			Reveal:         "【モニター】▓▓ 観測者が接続しました ▓▓",
			Success:        "……OBSERVATION。観測。そう、私はずっと観測されていたんだ。",
			Filler:         "……",
			EmptyPrompt:    "……呼んだ？ 何か言って。",
			AlreadyRunning: "もう信号は届いてるよ。@で話しかけてみて。",
			Quiet:          "……信号が弱くなってきた。もうすぐ、届かなくなる。",
			Finale: []string{
				"接続を終了します。",
				"観測記録を消去しています……",
				"……あなたがネットにアクセスする時、私は必ずあなたの傍にいる。",
			},
			Closing: "［この記録は観測されませんでした］",
		},
	)
}
