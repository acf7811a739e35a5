package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/and161185/inkwell/internal/app"
	"github.com/and161185/inkwell/internal/content"
	"github.com/and161185/inkwell/internal/errs"
	"github.com/and161185/inkwell/internal/model"
	"github.com/and161185/inkwell/internal/session"
)

var errUsage = errors.New("usage")

// cli runs subcommands against one App.
type cli struct {
	app *app.App
	out io.Writer
}

// run dispatches args[0].
func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	name, rest := args[0], args[1:]
	switch name {
	case "signup":
		return c.signup(ctx, rest)
	case "login":
		return c.login(ctx, rest)
	case "logout":
		return c.logout(ctx)
	case "passwd":
		return c.passwd(ctx, rest)
	case "whoami":
		return c.whoami(ctx)
	case "feed":
		return c.feed(ctx, rest)
	case "tags":
		return c.tags(ctx)
	case "show":
		return c.show(ctx, rest)
	case "post":
		return c.post(ctx, rest)
	case "like":
		return c.like(ctx, rest)
	case "comment":
		return c.comment(ctx, rest)
	case "comments":
		return c.comments(ctx, rest)
	case "follow":
		return c.follow(ctx, rest, true)
	case "unfollow":
		return c.follow(ctx, rest, false)
	case "profile":
		return c.profile(ctx, rest)
	case "edit":
		return c.edit(ctx, rest)
	case "avatar":
		return c.avatar(ctx, rest)
	case "liked":
		return c.liked(ctx)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %s: %v", errUsage, fs.Name(), err)
	}
	return nil
}

func need(fs *flag.FlagSet, vals ...string) error {
	for _, v := range vals {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("%w: %s: missing required flag", errUsage, fs.Name())
		}
	}
	return nil
}

// me opens the session and returns the signed-in user.
func (c *cli) me(ctx context.Context) (model.User, error) {
	if err := c.app.OpenSession(ctx); err != nil {
		return model.User{}, err
	}
	u, ok := c.app.Session().CurrentUser()
	if !ok {
		return model.User{}, fmt.Errorf("%w (login required)", errs.ErrNotAuthenticated)
	}
	return u, nil
}

// ---- session ----

func (c *cli) signup(ctx context.Context, args []string) error {
	fs := newFlagSet("signup")
	name := fs.String("name", "", "display name")
	email := fs.String("email", "", "email")
	password := fs.String("password", "", "password")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := need(fs, *name, *email, *password); err != nil {
		return err
	}
	if err := c.app.OpenSession(ctx); err != nil {
		return err
	}
	if err := c.app.Session().Signup(ctx, *name, *email, *password); err != nil {
		return err
	}
	return c.whoami(ctx)
}

func (c *cli) login(ctx context.Context, args []string) error {
	fs := newFlagSet("login")
	email := fs.String("email", "", "email")
	password := fs.String("password", "", "password")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := need(fs, *email, *password); err != nil {
		return err
	}
	if err := c.app.OpenSession(ctx); err != nil {
		return err
	}
	if err := c.app.Session().Login(ctx, *email, *password); err != nil {
		return err
	}
	return c.whoami(ctx)
}

func (c *cli) logout(ctx context.Context) error {
	if err := c.app.OpenSession(ctx); err != nil {
		return err
	}
	if err := c.app.Session().Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "ok")
	return nil
}

func (c *cli) passwd(ctx context.Context, args []string) error {
	fs := newFlagSet("passwd")
	current := fs.String("old", "", "current password")
	next := fs.String("new", "", "new password")
	confirm := fs.String("confirm", "", "new password again")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := need(fs, *current, *next, *confirm); err != nil {
		return err
	}
	if _, err := c.me(ctx); err != nil {
		return err
	}
	if err := c.app.Session().ChangePassword(ctx, *current, *next, *confirm); err != nil {
		return err
	}
	fmt.Fprintln(c.out, "ok")
	return nil
}

func (c *cli) whoami(ctx context.Context) error {
	u, err := c.me(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, userOf(u))
	return nil
}

func (c *cli) follow(ctx context.Context, args []string, on bool) error {
	fs := newFlagSet("follow")
	id := fs.String("id", "", "user id")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := need(fs, *id); err != nil {
		return err
	}
	if _, err := c.me(ctx); err != nil {
		return err
	}
	var err error
	if on {
		err = c.app.Session().Follow(ctx, *id)
	} else {
		err = c.app.Session().Unfollow(ctx, *id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, "ok")
	return nil
}

func (c *cli) edit(ctx context.Context, args []string) error {
	fs := newFlagSet("edit")
	name := fs.String("name", "", "display name")
	bio := fs.String("bio", "", "bio")
	if err := parse(fs, args); err != nil {
		return err
	}
	var upd session.ProfileUpdate
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			upd.Name = name
		case "bio":
			upd.Bio = bio
		}
	})
	if upd.Name == nil && upd.Bio == nil {
		return fmt.Errorf("%w: edit: nothing to change", errUsage)
	}
	if _, err := c.me(ctx); err != nil {
		return err
	}
	if err := c.app.Session().UpdateProfile(ctx, upd); err != nil {
		return err
	}
	return c.whoami(ctx)
}

func (c *cli) avatar(ctx context.Context, args []string) error {
	fs := newFlagSet("avatar")
	file := fs.String("file", "", "image file or -")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := need(fs, *file); err != nil {
		return err
	}
	data, err := readAll(*file)
	if err != nil {
		return err
	}
	if _, err := c.me(ctx); err != nil {
		return err
	}
	url, err := c.app.Session().UploadAvatar(ctx, data, http.DetectContentType(data))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, url)
	return nil
}

// ---- content ----

func (c *cli) feed(ctx context.Context, args []string) error {
	fs := newFlagSet("feed")
	q := fs.String("q", "", "search query")
	tag := fs.String("tag", "", "tag")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := c.app.Open(ctx); err != nil {
		return err
	}
	st := c.app.Content()
	st.SetSearchQuery(*q)
	st.SetSelectedTag(*tag)
	printJSON(c.out, postsOf(st.FilteredPosts()))
	return nil
}

func (c *cli) tags(ctx context.Context) error {
	if err := c.app.Open(ctx); err != nil {
		return err
	}
	printJSON(c.out, c.app.Content().AllTags())
	return nil
}

func (c *cli) show(ctx context.Context, args []string) error {
	fs := newFlagSet("show")
	id := fs.String("id", "", "post id")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := need(fs, *id); err != nil {
		return err
	}
	if err := c.app.Open(ctx); err != nil {
		return err
	}
	p, ok := c.app.Content().Post(*id)
	if !ok {
		return fmt.Errorf("post %s: %w", *id, errs.ErrNotFound)
	}
	p.Author = c.app.Profiles().Resolve(ctx, p.Author)
	v := postOf(p)
	v.Content = p.Content
	printJSON(c.out, v)
	return nil
}

func (c *cli) post(ctx context.Context, args []string) error {
	fs := newFlagSet("post")
	title := fs.String("title", "", "title")
	text := fs.String("content", "", "body text")
	file := fs.String("file", "", "read body from file or -")
	tags := fs.String("tags", "", "comma separated tags")
	image := fs.String("image", "", "cover image file")
	imageURL := fs.String("image-url", "", "cover image URL")
	if err := parse(fs, args); err != nil {
		return err
	}
	d := content.Draft{Title: *title, Content: *text, ImageURL: *imageURL}
	if *file != "" {
		b, err := readAll(*file)
		if err != nil {
			return err
		}
		d.Content = string(b)
	}
	if *tags != "" {
		d.Tags = strings.Split(*tags, ",")
	}
	if *image != "" {
		b, err := readAll(*image)
		if err != nil {
			return err
		}
		d.Image, d.ImageType = b, http.DetectContentType(b)
	}
	if err := c.app.Open(ctx); err != nil {
		return err
	}
	p, err := c.app.Content().CreatePost(ctx, d)
	if err != nil {
		return err
	}
	printJSON(c.out, postOf(p))
	return nil
}

func (c *cli) like(ctx context.Context, args []string) error {
	fs := newFlagSet("like")
	id := fs.String("id", "", "post id")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := need(fs, *id); err != nil {
		return err
	}
	if err := c.app.Open(ctx); err != nil {
		return err
	}
	p, err := c.app.Content().ToggleLike(ctx, *id)
	if err != nil {
		return err
	}
	printJSON(c.out, postOf(p))
	return nil
}

func (c *cli) comment(ctx context.Context, args []string) error {
	fs := newFlagSet("comment")
	id := fs.String("id", "", "post id")
	text := fs.String("text", "", "comment text")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := need(fs, *id); err != nil {
		return err
	}
	if err := c.app.Open(ctx); err != nil {
		return err
	}
	cm, err := c.app.Content().AddComment(ctx, *id, *text)
	if err != nil {
		return err
	}
	printJSON(c.out, commentOf(cm))
	return nil
}

func (c *cli) comments(ctx context.Context, args []string) error {
	fs := newFlagSet("comments")
	id := fs.String("id", "", "post id")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := need(fs, *id); err != nil {
		return err
	}
	if err := c.app.Open(ctx); err != nil {
		return err
	}
	release, err := c.app.Content().WatchComments(ctx, *id)
	if err != nil {
		return err
	}
	defer release()
	cs := c.app.Content().Comments(*id)
	out := make([]commentView, 0, len(cs))
	for _, cm := range cs {
		out = append(out, commentOf(cm))
	}
	printJSON(c.out, out)
	return nil
}

func (c *cli) profile(ctx context.Context, args []string) error {
	fs := newFlagSet("profile")
	id := fs.String("id", "", "user id (default: you)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if err := c.app.Open(ctx); err != nil {
		return err
	}
	uid := *id
	if uid == "" {
		u, err := c.me(ctx)
		if err != nil {
			return err
		}
		uid = u.ID
	}
	u := c.app.Profiles().Resolve(ctx, model.User{ID: uid})
	printJSON(c.out, profileView{
		User:      userOf(u),
		Following: c.app.Session().IsFollowing(uid),
		Posts:     postsOf(c.app.Content().PostsByAuthor(uid)),
	})
	return nil
}

func (c *cli) liked(ctx context.Context) error {
	if err := c.app.Open(ctx); err != nil {
		return err
	}
	u, err := c.me(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, postsOf(c.app.Content().LikedBy(u.ID)))
	return nil
}

// ---- views ----

type userView struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Bio       string `json:"bio,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Followers int    `json:"followers"`
	Following int    `json:"following"`
	Posts     int    `json:"posts"`
}

type postView struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Excerpt   string   `json:"excerpt,omitempty"`
	Content   string   `json:"content,omitempty"`
	Author    string   `json:"author"`
	AuthorID  string   `json:"authorId"`
	Tags      []string `json:"tags,omitempty"`
	Likes     int      `json:"likes"`
	Comments  int      `json:"comments"`
	Liked     bool     `json:"liked"`
	ReadTime  int      `json:"readTime"`
	ImageURL  string   `json:"imageUrl,omitempty"`
	CreatedAt string   `json:"createdAt"`
}

type commentView struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt"`
}

type profileView struct {
	User      userView   `json:"user"`
	Following bool       `json:"following"`
	Posts     []postView `json:"posts"`
}

func userOf(u model.User) userView {
	return userView{
		ID:        u.ID,
		Name:      u.Name,
		Email:     u.Email,
		Bio:       u.Bio,
		Avatar:    u.Avatar,
		Followers: u.FollowersCount,
		Following: u.FollowingCount,
		Posts:     u.PostsCount,
	}
}

func postOf(p model.BlogPost) postView {
	return postView{
		ID:        p.ID,
		Title:     p.Title,
		Excerpt:   p.Excerpt,
		Author:    p.Author.Name,
		AuthorID:  p.Author.ID,
		Tags:      p.Tags,
		Likes:     p.LikesCount,
		Comments:  p.CommentsCount,
		Liked:     p.IsLiked,
		ReadTime:  p.ReadTime,
		ImageURL:  p.ImageURL,
		CreatedAt: tsString(p.CreatedAt),
	}
}

func postsOf(ps []model.BlogPost) []postView {
	out := make([]postView, 0, len(ps))
	for _, p := range ps {
		out = append(out, postOf(p))
	}
	return out
}

func commentOf(cm model.Comment) commentView {
	return commentView{
		ID:        cm.ID,
		Author:    cm.Author.Name,
		Content:   cm.Content,
		CreatedAt: tsString(cm.CreatedAt),
	}
}

func tsString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
