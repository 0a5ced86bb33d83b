// Package webapi exposes the messaging core over a small JSON HTTP
// surface.  Screens and rendering belong to the mobile clients; this layer
// only authenticates the caller and forwards into the core packages.
package webapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"

	"pigeon/backend"
	"pigeon/chat"
	"pigeon/dbtypes"
	"pigeon/identity"
	"pigeon/reels"
	"pigeon/status"

	"github.com/golang/glog"
)

const sessionCookieName = "Pigeon-Session"

type API struct {
	docs     backend.Docs
	idp      *identity.Provider
	fanout   *chat.Fanout
	statuses *status.Manager
	reelFeed *reels.Feed
}

func New(docs backend.Docs, idp *identity.Provider, fanout *chat.Fanout, statuses *status.Manager, reelFeed *reels.Feed) *API {
	return &API{
		docs:     docs,
		idp:      idp,
		fanout:   fanout,
		statuses: statuses,
		reelFeed: reelFeed,
	}
}

func (a *API) Register(m *http.ServeMux) {
	m.HandleFunc("/api/create-account", a.createAccountHandler)
	m.HandleFunc("/api/log-in", a.logInHandler)
	m.HandleFunc("/api/log-out", a.logOutHandler)
	m.HandleFunc("/api/users", a.usersHandler)
	m.HandleFunc("/api/send-message", a.sendMessageHandler)
	m.HandleFunc("/api/messages", a.messagesHandler)
	m.HandleFunc("/api/recents", a.recentsHandler)
	m.HandleFunc("/api/delete-conversation", a.deleteConversationHandler)
	m.HandleFunc("/api/status", a.statusHandler)
	m.HandleFunc("/api/status/seen", a.statusSeenHandler)
	m.HandleFunc("/api/reels", a.reelsHandler)
}

// getLoggedInUser loads the user associated with the session cookie in the
// request, if there is one.
func (a *API) getLoggedInUser(ctx context.Context, r *http.Request) (*dbtypes.User, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		// No session cookie; user is not logged in.
		return nil, nil
	}
	return a.idp.UserFromSession(ctx, cookie.Value)
}

// requireUser is getLoggedInUser plus the 401/500 handling every
// authenticated handler repeats.
func (a *API) requireUser(w http.ResponseWriter, r *http.Request) (*dbtypes.User, bool) {
	user, err := a.getLoggedInUser(r.Context(), r)
	if err != nil {
		glog.Errorf("Error while getting logged-in user: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return nil, false
	}
	if user == nil {
		http.Error(w, "Not Logged In", http.StatusUnauthorized)
		return nil, false
	}
	return user, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Too late to change the response status.
		glog.Errorf("Error while writing JSON response: %v", err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return false
	}
	return true
}

type userJSON struct {
	UID       string `json:"uid"`
	Email     string `json:"email"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatarUrl"`
}

func userToJSON(u *dbtypes.User) userJSON {
	return userJSON{
		UID:       u.UID,
		Email:     u.Email,
		Username:  u.Username(),
		AvatarURL: u.AvatarURL,
	}
}

func (a *API) createAccountHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body := struct {
		Email        string `json:"email"`
		Password     string `json:"password"`
		AvatarBase64 string `json:"avatarBase64"`
	}{}
	if !decodeBody(w, r, &body) {
		return
	}

	avatar, err := base64.StdEncoding.DecodeString(body.AvatarBase64)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	user, err := a.idp.CreateAccount(r.Context(), body.Email, body.Password, avatar)
	switch {
	case errors.Is(err, identity.ErrEmailMustNotBeEmpty),
		errors.Is(err, identity.ErrPasswordMustNotBeEmpty):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, identity.ErrAccountAlreadyExists):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case err != nil:
		glog.Errorf("Error while creating account: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, userToJSON(user))
}

func (a *API) logInHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	body := struct {
		Email         string `json:"email"`
		Password      string `json:"password"`
		GoogleIDToken string `json:"googleIdToken"`
	}{}
	if !decodeBody(w, r, &body) {
		return
	}

	var session *identity.Session
	var err error
	if body.GoogleIDToken != "" {
		session, err = a.idp.SessionFromGoogleFederation(r.Context(), body.GoogleIDToken)
	} else {
		session, err = a.idp.SessionFromPassword(r.Context(), body.Email, body.Password)
	}
	switch {
	case errors.Is(err, identity.ErrUnknownUserOrWrongPassword):
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	case errors.Is(err, identity.ErrEmailMustNotBeEmpty),
		errors.Is(err, identity.ErrPasswordMustNotBeEmpty):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		glog.Errorf("Error while logging in: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    session.Cookie,
		Expires:  session.Expires,
		HttpOnly: true,
		Path:     "/",
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) logOutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	cookie, err := r.Cookie(sessionCookieName)
	if err == nil {
		if err := a.idp.DeleteSession(r.Context(), cookie.Value); err != nil {
			glog.Errorf("Error while deleting session: %v", err)
			http.Error(w, "Internal Error", http.StatusInternalServerError)
			return
		}
	}

	http.SetCookie(w, &http.Cookie{Name: sessionCookieName, Value: "", MaxAge: -1, Path: "/"})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) usersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	users, err := a.idp.Users(r.Context(), user.UID)
	if err != nil {
		glog.Errorf("Error while listing users: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	out := make([]userJSON, 0, len(users))
	for _, u := range users {
		out = append(out, userToJSON(u))
	}
	writeJSON(w, out)
}

func (a *API) sendMessageHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	sender, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	body := struct {
		RecipientUID string `json:"recipientUid"`
		Text         string `json:"text"`
		ImageBase64  string `json:"imageBase64"`
	}{}
	if !decodeBody(w, r, &body) {
		return
	}

	recipient, err := a.idp.User(r.Context(), body.RecipientUID)
	if errors.Is(err, backend.ErrNotFound) {
		http.Error(w, "Unknown Recipient", http.StatusNotFound)
		return
	}
	if err != nil {
		glog.Errorf("Error while resolving recipient: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	if body.ImageBase64 != "" {
		image, err := base64.StdEncoding.DecodeString(body.ImageBase64)
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		err = a.fanout.SendImage(r.Context(), sender, recipient, image)
		a.finishSend(w, err)
		return
	}

	err = a.fanout.SendText(r.Context(), sender, recipient, body.Text)
	a.finishSend(w, err)
}

// finishSend maps fan-out results onto HTTP responses.  A partial fan-out
// is reported distinctly so the client can repair the missing side instead
// of resending.
func (a *API) finishSend(w http.ResponseWriter, err error) {
	var partial *chat.PartialSendError
	switch {
	case errors.As(err, &partial):
		glog.Errorf("Partial fan-out: %v", partial)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		writeJSON(w, map[string]string{
			"error":     "partial delivery",
			"stage":     partial.Stage,
			"messageId": partial.MessageID,
		})
	case errors.Is(err, chat.ErrEmptyMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case err != nil:
		glog.Errorf("Error while sending message: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (a *API) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	partnerID := r.URL.Query().Get("partner")
	if partnerID == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	msgs, err := chat.History(r.Context(), a.docs, user.UID, partnerID)
	if err != nil {
		glog.Errorf("Error while reading conversation history: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	type messageJSON struct {
		ID        string `json:"id"`
		SenderID  string `json:"senderUid"`
		Kind      string `json:"kind"`
		Text      string `json:"text,omitempty"`
		ImageURL  string `json:"imageUrl,omitempty"`
		Timestamp string `json:"timestamp"`
	}
	out := make([]messageJSON, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON{
			ID:        m.ID,
			SenderID:  m.SenderID,
			Kind:      string(m.Kind),
			Text:      m.Text,
			ImageURL:  m.ImageURL,
			Timestamp: m.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	writeJSON(w, out)
}

func (a *API) recentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	summaries, err := chat.LatestSummaries(r.Context(), a.docs, user.UID)
	if err != nil {
		glog.Errorf("Error while reading summaries: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	type recentJSON struct {
		PartnerUID string `json:"partnerUid"`
		Username   string `json:"username"`
		AvatarURL  string `json:"avatarUrl"`
		Preview    string `json:"preview"`
		Timestamp  string `json:"timestamp"`
	}
	out := make([]recentJSON, 0, len(summaries))
	for _, rm := range summaries {
		out = append(out, recentJSON{
			PartnerUID: rm.PartnerID(user.UID),
			Username:   rm.Username(),
			AvatarURL:  rm.AvatarURL,
			Preview:    rm.Preview,
			Timestamp:  rm.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	writeJSON(w, out)
}

func (a *API) deleteConversationHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	body := struct {
		PartnerUID string `json:"partnerUid"`
	}{}
	if !decodeBody(w, r, &body) {
		return
	}

	if err := chat.NewRecents(a.docs, user.UID).Delete(r.Context(), body.PartnerUID); err != nil {
		glog.Errorf("Error while deleting conversation: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statusJSON struct {
	PosterUID string   `json:"posterUid"`
	Username  string   `json:"username"`
	ImageURL  string   `json:"imageUrl"`
	Timestamp string   `json:"timestamp"`
	ExpiredAt string   `json:"expiredAt"`
	SeenBy    []string `json:"seenBy"`
}

func statusToJSON(s *dbtypes.Status) statusJSON {
	return statusJSON{
		PosterUID: s.PosterID,
		Username:  s.Username(),
		ImageURL:  s.ImageURL,
		Timestamp: s.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
		ExpiredAt: s.ExpiredAt.Format("2006-01-02T15:04:05.000Z07:00"),
		SeenBy:    s.SeenBy,
	}
}

func (a *API) statusHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		feed, err := a.statuses.ListActive(r.Context(), user.UID)
		if err != nil {
			glog.Errorf("Error while listing status posts: %v", err)
			http.Error(w, "Internal Error", http.StatusInternalServerError)
			return
		}

		out := struct {
			Mine   *statusJSON  `json:"mine"`
			Unseen []statusJSON `json:"unseen"`
			Seen   []statusJSON `json:"seen"`
		}{
			Unseen: []statusJSON{},
			Seen:   []statusJSON{},
		}
		if feed.Mine != nil {
			mine := statusToJSON(feed.Mine)
			out.Mine = &mine
		}
		for _, s := range feed.Unseen {
			out.Unseen = append(out.Unseen, statusToJSON(s))
		}
		for _, s := range feed.Seen {
			out.Seen = append(out.Seen, statusToJSON(s))
		}
		writeJSON(w, out)

	case http.MethodPost:
		body := struct {
			ImageBase64 string `json:"imageBase64"`
		}{}
		if !decodeBody(w, r, &body) {
			return
		}

		image, err := base64.StdEncoding.DecodeString(body.ImageBase64)
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		st, err := a.statuses.Post(r.Context(), user, image)
		if err != nil {
			glog.Errorf("Error while posting status: %v", err)
			http.Error(w, "Internal Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, statusToJSON(st))

	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) statusSeenHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	body := struct {
		PosterUID string `json:"posterUid"`
	}{}
	if !decodeBody(w, r, &body) {
		return
	}

	rec, err := a.docs.Get(r.Context(), "status", body.PosterUID)
	if errors.Is(err, backend.ErrNotFound) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if err != nil {
		glog.Errorf("Error while loading status: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	marked, err := a.statuses.MarkSeen(r.Context(), user.UID, dbtypes.StatusFromRecord(body.PosterUID, rec))
	if err != nil {
		glog.Errorf("Error while marking status seen: %v", err)
		http.Error(w, "Internal Error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]bool{"marked": marked})
}

func (a *API) reelsHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := a.requireUser(w, r)
	if !ok {
		return
	}

	switch r.Method {
	case http.MethodGet:
		posts, err := a.reelFeed.List(r.Context())
		if err != nil {
			glog.Errorf("Error while listing reels: %v", err)
			http.Error(w, "Internal Error", http.StatusInternalServerError)
			return
		}

		type reelJSON struct {
			ID        string `json:"id"`
			PosterUID string `json:"posterUid"`
			VideoURL  string `json:"videoUrl"`
			Timestamp string `json:"timestamp"`
		}
		out := make([]reelJSON, 0, len(posts))
		for _, p := range posts {
			out = append(out, reelJSON{
				ID:        p.ID,
				PosterUID: p.PosterID,
				VideoURL:  p.VideoURL,
				Timestamp: p.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
			})
		}
		writeJSON(w, out)

	case http.MethodPost:
		body := struct {
			Name        string `json:"name"`
			VideoBase64 string `json:"videoBase64"`
		}{}
		if !decodeBody(w, r, &body) {
			return
		}

		video, err := base64.StdEncoding.DecodeString(body.VideoBase64)
		if err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}

		post, err := a.reelFeed.Post(r.Context(), user, body.Name, video)
		if err != nil {
			glog.Errorf("Error while posting reel: %v", err)
			http.Error(w, "Internal Error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"id": post.ID, "videoUrl": post.VideoURL})

	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}
