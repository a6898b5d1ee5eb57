package model

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Profile はユーザーの表示用アイデンティティ。IDはUser.IDと同一。
type Profile struct {
	ID        string
	Username  string
	FullName  string
	AvatarURL string
	Bio       string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// fallbackInitial はユーザー名が存在しない場合のアバター表示文字。
const fallbackInitial = "U"

// DisplayName は表示名を返す。氏名が未設定の場合はユーザー名を返す。
func (p *Profile) DisplayName() string {
	if p == nil {
		return ""
	}
	if p.FullName != "" {
		return p.FullName
	}
	return p.Username
}

// Initial はアバターのフォールバック文字を返す。
// ユーザー名の先頭1文字を大文字化したもの、ユーザー名がない場合は"U"。
func (p *Profile) Initial() string {
	if p == nil {
		return fallbackInitial
	}
	return InitialOf(p.Username)
}

// InitialOf はユーザー名からフォールバック文字を算出する。
func InitialOf(username string) string {
	r, size := utf8.DecodeRuneInString(username)
	if size == 0 || r == utf8.RuneError {
		return fallbackInitial
	}
	return string(unicode.ToUpper(r))
}

// ProfilePatch はプロフィールの部分更新。nilフィールドは変更しない。
type ProfilePatch struct {
	Username  *string
	FullName  *string
	AvatarURL *string
	Bio       *string
}

// Empty は更新対象のフィールドが1つもないかどうかを返す。
func (p ProfilePatch) Empty() bool {
	return p.Username == nil && p.FullName == nil && p.AvatarURL == nil && p.Bio == nil
}

// Post はユーザーの投稿を表す。
// LikesCount / CommentsCount は非正規化カウンタで、likes / comments と結果整合する。
type Post struct {
	ID            string
	UserID        string
	Content       string
	ImageURL      string
	LikesCount    int
	CommentsCount int
	CreatedAt     time.Time
}

// NewPost は必須フィールドを検証して未保存の投稿を生成する。
// IDと作成日時はストアが採番する。
func NewPost(userID, content, imageURL string) (*Post, error) {
	if userID == "" {
		return nil, NewValidationError("投稿者が指定されていません。")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, NewValidationError("投稿内容を入力してください。")
	}
	imageURL = strings.TrimSpace(imageURL)
	if imageURL != "" && !strings.HasPrefix(imageURL, "https://") {
		return nil, NewValidationError("画像URLはhttps://で始まる必要があります。")
	}
	return &Post{UserID: userID, Content: content, ImageURL: imageURL}, nil
}

// Comment は投稿へのコメントを表す。表示は作成日時の昇順。
type Comment struct {
	ID        string
	UserID    string
	PostID    string
	Content   string
	CreatedAt time.Time
}

// NewComment は必須フィールドを検証して未保存のコメントを生成する。
func NewComment(userID, postID, content string) (*Comment, error) {
	if userID == "" || postID == "" {
		return nil, NewValidationError("コメント対象が指定されていません。")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, NewValidationError("コメントを入力してください。")
	}
	return &Comment{UserID: userID, PostID: postID, Content: content}, nil
}

// CommentWithAuthor はコメントと投稿者プロフィールを結合したモデル。
// 投稿者のプロフィールが存在しない場合Authorはnil。
type CommentWithAuthor struct {
	Comment
	Author *Profile
}

// Like は(user, post)の組。同じ組は高々1件。
type Like struct {
	UserID    string
	PostID    string
	CreatedAt time.Time
}

// NewLike は必須フィールドを検証していいねを生成する。
func NewLike(userID, postID string) (*Like, error) {
	if userID == "" || postID == "" {
		return nil, NewValidationError("いいねの対象が指定されていません。")
	}
	return &Like{UserID: userID, PostID: postID}, nil
}

// Stats は管理画面向けの件数集計。
type Stats struct {
	Users    int
	Posts    int
	Comments int
}
