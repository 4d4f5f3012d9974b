// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package wbslog provides structured JSON logging for the orchestration
core, outputting one JSON object per line to stdout for consumption by
an external log shipper.

Each component constructs one Logger and binds it to correlation ids
as they become known: an analysis id once a query is accepted, a
session id when multi-turn state is involved, a provider id inside an
adapter invocation, an approval request id inside the approval
workflow. Bound ids appear as top-level JSON keys so the shipper can
index them without parsing nested fields.

# Usage

	log := wbslog.New("dispatcher")
	log.WithAnalysis(analysisID).WithProvider(desc.ID).Warn("adapter failed",
	    map[string]any{"reason": "timeout"})

# Thread Safety

Logger instances are safe for concurrent use; writes to a shared
output are serialized so lines never interleave.
*/
package wbslog
