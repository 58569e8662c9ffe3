package engineapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/foldtale/foldtale/internal/gamekit"
	"github.com/foldtale/foldtale/internal/util/httputil"
	"github.com/foldtale/foldtale/internal/util/slogx"
)

type TokenChecker func(token string) error

type ServerOptions struct {
	TokenChecker TokenChecker
}

func toAPIError(err error) *Error {
	switch {
	case errors.Is(err, gamekit.ErrPlayerNotFound),
		errors.Is(err, gamekit.ErrSeasonNotFound),
		errors.Is(err, gamekit.ErrGameNotFound),
		errors.Is(err, gamekit.ErrTurnNotFound):
		return &Error{Code: ErrNotFound, Message: err.Error()}
	case errors.Is(err, gamekit.ErrInvalidState):
		return &Error{Code: ErrInvalidState, Message: err.Error()}
	case errors.Is(err, gamekit.ErrValidation):
		return &Error{Code: ErrValidation, Message: err.Error()}
	case errors.Is(err, gamekit.ErrSeasonFull):
		return &Error{Code: ErrSeasonFull, Message: err.Error()}
	case errors.Is(err, gamekit.ErrAlreadyJoined):
		return &Error{Code: ErrAlreadyJoined, Message: err.Error()}
	default:
		return nil
	}
}

func httpStatus(code ErrorCode) int {
	switch code {
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidState, ErrSeasonFull, ErrAlreadyJoined:
		return http.StatusConflict
	case ErrBadToken:
		return http.StatusForbidden
	default:
		return http.StatusBadRequest
	}
}

func makeHandler[Req any, Rsp any](
	log *slog.Logger,
	o *ServerOptions,
	fn func(context.Context, *slog.Logger, *Req) (*Rsp, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, hReq *http.Request) {
		hReq = httputil.WrapRequest(hReq)
		log := log.With(
			slog.String("addr", hReq.RemoteAddr),
			slog.String("rid", httputil.ExtractReqID(hReq.Context())),
		)

		if err := func() error {
			log.Info("handle engine api request")

			if hReq.Method != http.MethodPost {
				log.Warn("unsupported method")
				return httputil.MakeError(http.StatusMethodNotAllowed, "method not allowed")
			}

			if err := o.TokenChecker(hReq.Header.Get("X-Token")); err != nil {
				log.Warn("token auth failed", slogx.Err(err))
				return &Error{Code: ErrBadToken, Message: "bad token auth"}
			}

			reqBytes, err := io.ReadAll(hReq.Body)
			if err != nil {
				log.Info("error reading request", slogx.Err(err))
				return nil
			}
			req := new(Req)
			if err := json.Unmarshal(reqBytes, req); err != nil {
				log.Warn("error unmarshalling json", slogx.Err(err))
				return httputil.MakeError(http.StatusBadRequest, "unmarshal json request")
			}

			rsp, err := fn(hReq.Context(), log, req)
			if err != nil {
				var apiErr *Error
				if errors.As(err, &apiErr) {
					return err
				}
				if apiErr := toAPIError(err); apiErr != nil {
					return apiErr
				}
				log.Warn("handler failed", slogx.Err(err))
				return httputil.MakeError(http.StatusInternalServerError, "internal server error")
			}

			rspBytes, err := json.Marshal(rsp)
			if err != nil {
				log.Warn("error marshalling json", slogx.Err(err))
				return httputil.MakeError(http.StatusInternalServerError, "marshal json response")
			}

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			if _, err := w.Write(rspBytes); err != nil {
				log.Info("error writing response", slogx.Err(err))
			}
			return nil
		}(); err != nil {
			var apiError *Error
			if errors.As(err, &apiError) {
				data, err := json.Marshal(apiError)
				if err != nil {
					log.Warn("error marshalling error json", slogx.Err(err))
					if err := httputil.WriteErrorResponse(fmt.Errorf("marshal error json"), w); err != nil {
						log.Info("error writing error response", slogx.Err(err))
					}
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(httpStatus(apiError.Code))
				if _, err := w.Write(data); err != nil {
					log.Info("error writing error response", slogx.Err(err))
				}
				return
			}
			if err := httputil.WriteErrorResponse(err, w); err != nil {
				log.Info("error writing error response", slogx.Err(err))
			}
		}
	}
}

type server struct {
	eng Engine
}

func (s *server) createSeason(ctx context.Context, _ *slog.Logger, req *CreateSeasonRequest) (*CreateSeasonResponse, error) {
	season, err := s.eng.CreateSeason(ctx, req.Name, req.Config)
	if err != nil {
		return nil, err
	}
	return &CreateSeasonResponse{Season: season}, nil
}

func (s *server) joinSeason(ctx context.Context, _ *slog.Logger, req *JoinSeasonRequest) (*JoinSeasonResponse, error) {
	player, err := s.eng.JoinSeason(ctx, req.SeasonID, req.ExternalID, req.DisplayName)
	if err != nil {
		return nil, err
	}
	return &JoinSeasonResponse{Player: player}, nil
}

func (s *server) startSeason(ctx context.Context, _ *slog.Logger, req *StartSeasonRequest) (*StartSeasonResponse, error) {
	if err := s.eng.StartSeason(ctx, req.SeasonID); err != nil {
		return nil, err
	}
	return &StartSeasonResponse{}, nil
}

func (s *server) terminateSeason(ctx context.Context, _ *slog.Logger, req *TerminateSeasonRequest) (*TerminateSeasonResponse, error) {
	if err := s.eng.TerminateSeason(ctx, req.SeasonID); err != nil {
		return nil, err
	}
	return &TerminateSeasonResponse{}, nil
}

func (s *server) offerNext(ctx context.Context, _ *slog.Logger, req *OfferNextRequest) (*OfferNextResponse, error) {
	turn, ok, err := s.eng.OfferNext(ctx, req.GameID, req.Reason)
	if err != nil {
		return nil, err
	}
	rsp := &OfferNextResponse{Offered: ok}
	if ok {
		rsp.Turn = &turn
	}
	return rsp, nil
}

func (s *server) claim(ctx context.Context, _ *slog.Logger, req *ClaimRequest) (*ClaimResponse, error) {
	turn, err := s.eng.Claim(ctx, req.TurnID, req.PlayerID)
	if err != nil {
		return nil, err
	}
	return &ClaimResponse{Turn: turn}, nil
}

func (s *server) submit(ctx context.Context, _ *slog.Logger, req *SubmitRequest) (*SubmitResponse, error) {
	turn, err := s.eng.Submit(ctx, req.TurnID, req.PlayerID, req.Content, req.ContentType)
	if err != nil {
		return nil, err
	}
	return &SubmitResponse{Turn: turn}, nil
}

func (s *server) dismiss(ctx context.Context, _ *slog.Logger, req *DismissRequest) (*DismissResponse, error) {
	turn, err := s.eng.Dismiss(ctx, req.TurnID)
	if err != nil {
		return nil, err
	}
	return &DismissResponse{Turn: turn}, nil
}

func (s *server) skip(ctx context.Context, _ *slog.Logger, req *SkipRequest) (*SkipResponse, error) {
	turn, err := s.eng.Skip(ctx, req.TurnID)
	if err != nil {
		return nil, err
	}
	return &SkipResponse{Turn: turn}, nil
}

func (s *server) isComplete(ctx context.Context, _ *slog.Logger, req *IsCompleteRequest) (*IsCompleteResponse, error) {
	complete, err := s.eng.IsComplete(ctx, req.GameID)
	if err != nil {
		return nil, err
	}
	return &IsCompleteResponse{Complete: complete}, nil
}

func (s *server) gameState(ctx context.Context, _ *slog.Logger, req *GameStateRequest) (*GameStateResponse, error) {
	game, turns, err := s.eng.GameState(ctx, req.GameID)
	if err != nil {
		return nil, err
	}
	return &GameStateResponse{
		Game:     game,
		Turns:    turns,
		Complete: game.Status.IsFinished(),
	}, nil
}

func RegisterServer(eng Engine, mux *http.ServeMux, prefix string, o ServerOptions, log *slog.Logger) error {
	if o.TokenChecker == nil {
		return fmt.Errorf("no token checker")
	}
	s := &server{eng: eng}
	handle := func(path string, h http.HandlerFunc) {
		mux.HandleFunc(prefix+path, h)
	}
	handle("/seasons/create",
		makeHandler(log.With(slog.String("method", "create_season")), &o, s.createSeason))
	handle("/seasons/join",
		makeHandler(log.With(slog.String("method", "join_season")), &o, s.joinSeason))
	handle("/seasons/start",
		makeHandler(log.With(slog.String("method", "start_season")), &o, s.startSeason))
	handle("/seasons/terminate",
		makeHandler(log.With(slog.String("method", "terminate_season")), &o, s.terminateSeason))
	handle("/games/offer-next",
		makeHandler(log.With(slog.String("method", "offer_next")), &o, s.offerNext))
	handle("/games/state",
		makeHandler(log.With(slog.String("method", "game_state")), &o, s.gameState))
	handle("/games/is-complete",
		makeHandler(log.With(slog.String("method", "is_complete")), &o, s.isComplete))
	handle("/turns/claim",
		makeHandler(log.With(slog.String("method", "claim")), &o, s.claim))
	handle("/turns/submit",
		makeHandler(log.With(slog.String("method", "submit")), &o, s.submit))
	handle("/turns/dismiss",
		makeHandler(log.With(slog.String("method", "dismiss")), &o, s.dismiss))
	handle("/turns/skip",
		makeHandler(log.With(slog.String("method", "skip")), &o, s.skip))
	return nil
}
