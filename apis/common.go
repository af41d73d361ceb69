// Copyright 2022 The livetrack Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"net/http"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix registers new method handler for a path prefix
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

type requestIDKey struct{}

// requestIDFromContext the request ID attached by attachRequestID, if any
func requestIDFromContext(ctxt context.Context) string {
	if reqID, ok := ctxt.Value(requestIDKey{}).(string); ok {
		return reqID
	}
	return ""
}

// attachRequestID middleware which tags every request with a request ID
//
// The caller's request ID header is reused when present. The ID is echoed back in
// the response header.
func attachRequestID(headerName string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(headerName)
		if reqID == "" {
			reqID = uuid.New().String()
			r.Header.Set(headerName, reqID)
		}
		w.Header().Set(headerName, reqID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, reqID)))
	})
}

// extendLogTags copy the base tags, adding the request ID and URI
func extendLogTags(base log.Fields, r *http.Request) log.Fields {
	result := log.Fields{}
	for k, v := range base {
		result[k] = v
	}
	if reqID := requestIDFromContext(r.Context()); reqID != "" {
		result["request_id"] = reqID
	}
	result["request_uri"] = r.URL.Path
	result["request_method"] = r.Method
	return result
}
