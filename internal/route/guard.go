// Package route はセッション状態とパスから描画・リダイレクト・待機を判定する。
package route

import (
	"strings"

	"github.com/hitoshi/bluecircle/internal/session"
)

// Action は判定結果の種別。
type Action int

const (
	// Render はページを描画する。
	Render Action = iota
	// Redirect はTargetへ遷移させる。
	Redirect
	// Wait はセッション確定まで待機表示する。
	Wait
	// NotFound は存在しないパス。
	NotFound
)

// String はActionの文字列表現を返す。
func (a Action) String() string {
	switch a {
	case Render:
		return "render"
	case Redirect:
		return "redirect"
	case Wait:
		return "wait"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Page は描画対象のページ。
type Page string

// ページ一覧
const (
	PageAuth          Page = "auth"
	PageHome          Page = "home"
	PageProfile       Page = "profile"
	PageMessages      Page = "messages"
	PageNotifications Page = "notifications"
	PageAdmin         Page = "admin"
)

// パス
const (
	PathAuth = "/auth"
	PathHome = "/"
)

// Decision はルート判定の結果。
// ActionがRenderの場合はPage（profileの場合はUserIDも）、Redirectの場合はTargetが設定される。
type Decision struct {
	Action Action
	Page   Page
	UserID string
	Target string
}

// Decide はパスとセッション状態から判定を返す。副作用はない。
func Decide(path string, state session.State) Decision {
	if state.Status == session.Loading {
		return Decision{Action: Wait}
	}

	page, userID, ok := match(path)
	if !ok {
		return Decision{Action: NotFound}
	}

	signedIn := state.Status == session.Authenticated
	if page == PageAuth {
		if signedIn {
			return Decision{Action: Redirect, Target: PathHome}
		}
		return Decision{Action: Render, Page: PageAuth}
	}

	if !signedIn {
		return Decision{Action: Redirect, Target: PathAuth}
	}
	return Decision{Action: Render, Page: page, UserID: userID}
}

// match はパスを既知のページに対応付ける。末尾のスラッシュは無視する。
func match(path string) (Page, string, bool) {
	if path == "" {
		path = PathHome
	}
	if path != PathHome {
		path = strings.TrimSuffix(path, "/")
	}

	switch path {
	case PathHome:
		return PageHome, "", true
	case PathAuth:
		return PageAuth, "", true
	case "/messages":
		return PageMessages, "", true
	case "/notifications":
		return PageNotifications, "", true
	case "/admin":
		return PageAdmin, "", true
	}

	if rest, found := strings.CutPrefix(path, "/profile/"); found {
		if rest == "" || strings.Contains(rest, "/") {
			return "", "", false
		}
		return PageProfile, rest, true
	}
	return "", "", false
}
