package profile

import (
	"context"
	"errors"
	"sync"

	"github.com/hitoshi/bluecircle/internal/model"
)

// Result はViewが公開する表示状態。
type Result struct {
	UserID  string
	Loading bool
	Profile *model.Profile
	Err     error
}

// Card はプロフィールの表示用の要約。
type Card struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Initial     string `json:"initial"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Bio         string `json:"bio,omitempty"`
	Found       bool   `json:"found"`
}

// CardOf はプロフィールから表示用の要約を作る。pがnilの場合はフォールバック表示。
func CardOf(userID string, p *model.Profile) Card {
	if p == nil {
		return Card{ID: userID, Initial: model.InitialOf("")}
	}
	return Card{
		ID:          p.ID,
		Username:    p.Username,
		DisplayName: p.DisplayName(),
		Initial:     p.Initial(),
		AvatarURL:   p.AvatarURL,
		Bio:         p.Bio,
		Found:       true,
	}
}

// View は1つの表示単位が保持するプロフィール表示。
// 最後にShowしたIDの結果のみを反映し、Close後は結果を破棄する。
type View struct {
	resolver *Resolver
	onChange func(Result)

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	current    Result
	closed     bool

	// 配送を直列化し、古い世代の結果が新しい表示を上書きしないようにする
	deliverMu sync.Mutex
}

// NewView はViewを生成する。onChangeは表示状態が変わるたびに呼ばれる（nil可）。
func NewView(resolver *Resolver, onChange func(Result)) *View {
	return &View{resolver: resolver, onChange: onChange}
}

// Show はuserIDのプロフィール取得を開始する。以前の取得は取り消される。
func (v *View) Show(ctx context.Context, userID string) {
	v.deliverMu.Lock()
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		v.deliverMu.Unlock()
		return
	}
	if v.cancel != nil {
		v.cancel()
	}
	v.generation++
	gen := v.generation
	fetchCtx, cancel := context.WithCancel(ctx)
	v.cancel = cancel
	v.current = Result{UserID: userID, Loading: true}
	loading := v.current
	v.mu.Unlock()
	v.notify(loading)
	v.deliverMu.Unlock()

	go func() {
		p, err := v.resolver.Resolve(fetchCtx, userID)
		if errors.Is(err, context.Canceled) {
			return
		}
		v.publish(gen, Result{UserID: userID, Profile: p, Err: err})
	}()
}

// publish は世代が最新の場合のみ結果を反映する。
func (v *View) publish(gen uint64, res Result) {
	v.deliverMu.Lock()
	defer v.deliverMu.Unlock()

	v.mu.Lock()
	if v.closed || gen != v.generation {
		v.mu.Unlock()
		return
	}
	v.current = res
	v.mu.Unlock()
	v.notify(res)
}

func (v *View) notify(res Result) {
	if v.onChange != nil {
		v.onChange(res)
	}
}

// Current は現在の表示状態を返す。
func (v *View) Current() Result {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Close は実行中の取得を取り消し、以降の結果を破棄する。
// 配送中の通知があれば終わるまで待つので、戻った後にonChangeが呼ばれることはない。
// onChangeの中から呼んではならない。
func (v *View) Close() {
	v.deliverMu.Lock()
	defer v.deliverMu.Unlock()
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	v.closed = true
	if v.cancel != nil {
		v.cancel()
		v.cancel = nil
	}
}
